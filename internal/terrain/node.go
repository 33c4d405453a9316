// Package terrain implements the chunked clipmap streaming core: a quadtree
// of terrain nodes paired with a fixed-capacity node atlas that tracks which
// nodes' data attachments are currently resident, decides what to load and
// unload as viewers move, and answers best-available data queries.
package terrain

import (
	"fmt"

	gmath "github.com/veldt-dev/veldt/pkg/math"
)

// NodeID identifies one quadtree node. LOD 0 is the root covering the whole
// terrain; each level subdivides into a 2x2 grid of children, so X and Y are
// bounded by 2^LOD.
type NodeID struct {
	LOD  uint8
	X, Y uint32
}

// Root returns the root node covering the whole terrain.
func Root() NodeID {
	return NodeID{}
}

// String formats the id as "lod/x/y".
func (id NodeID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.LOD, id.X, id.Y)
}

// Valid reports whether the coordinates are in range for the LOD.
func (id NodeID) Valid() bool {
	max := uint32(1) << id.LOD
	return id.X < max && id.Y < max
}

// Parent returns the node one level coarser. Only meaningful for LOD > 0.
func (id NodeID) Parent() NodeID {
	return NodeID{LOD: id.LOD - 1, X: id.X / 2, Y: id.Y / 2}
}

// AncestorAt returns the ancestor of the node at the given coarser level.
// Passing the node's own LOD returns the node itself.
func (id NodeID) AncestorAt(lod uint8) NodeID {
	if lod >= id.LOD {
		return id
	}
	shift := id.LOD - lod
	return NodeID{LOD: lod, X: id.X >> shift, Y: id.Y >> shift}
}

// Children returns the four nodes one level finer, in Morton order.
func (id NodeID) Children() [4]NodeID {
	lod := id.LOD + 1
	x, y := id.X*2, id.Y*2
	return [4]NodeID{
		{LOD: lod, X: x, Y: y},
		{LOD: lod, X: x + 1, Y: y},
		{LOD: lod, X: x, Y: y + 1},
		{LOD: lod, X: x + 1, Y: y + 1},
	}
}

// Neighbors returns the four edge neighbors (left, right, down, up) at the
// same LOD. The bool flags report which neighbors exist within the terrain.
func (id NodeID) Neighbors() ([4]NodeID, [4]bool) {
	max := uint32(1) << id.LOD
	var ids [4]NodeID
	var ok [4]bool

	if id.X > 0 {
		ids[0], ok[0] = NodeID{LOD: id.LOD, X: id.X - 1, Y: id.Y}, true
	}
	if id.X+1 < max {
		ids[1], ok[1] = NodeID{LOD: id.LOD, X: id.X + 1, Y: id.Y}, true
	}
	if id.Y > 0 {
		ids[2], ok[2] = NodeID{LOD: id.LOD, X: id.X, Y: id.Y - 1}, true
	}
	if id.Y+1 < max {
		ids[3], ok[3] = NodeID{LOD: id.LOD, X: id.X, Y: id.Y + 1}, true
	}
	return ids, ok
}

// Morton returns a sort key that orders nodes coarse-to-fine, with nodes of
// the same LOD in Morton (Z-curve) order so that spatially close nodes sort
// close together. The LOD occupies the top bits, the interleaved coordinates
// the rest.
func (id NodeID) Morton() uint64 {
	return uint64(id.LOD)<<58 | interleave(id.X)<<1 | interleave(id.Y)
}

// interleave spreads the low 29 bits of v so there is a zero bit between
// each pair of consecutive bits.
func interleave(v uint32) uint64 {
	x := uint64(v) & 0x1fffffff
	x = (x | x<<16) & 0x0000ffff0000ffff
	x = (x | x<<8) & 0x00ff00ff00ff00ff
	x = (x | x<<4) & 0x0f0f0f0f0f0f0f0f
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

// NodeSize returns the world-space side length of nodes at the given LOD.
func (c *TerrainConfig) NodeSize(lod uint8) float32 {
	return c.Size / float32(uint32(1)<<lod)
}

// NodeBounds returns the world-space XZ rectangle covered by the node.
func (c *TerrainConfig) NodeBounds(id NodeID) (min, max gmath.Vec2) {
	side := c.NodeSize(id.LOD)
	min = gmath.Vec2{X: float32(id.X) * side, Y: float32(id.Y) * side}
	max = gmath.Vec2{X: min.X + side, Y: min.Y + side}
	return min, max
}

// NodeContains reports whether the node's bounds cover the world position.
func (c *TerrainConfig) NodeContains(id NodeID, pos gmath.Vec2) bool {
	min, max := c.NodeBounds(id)
	return pos.X >= min.X && pos.X < max.X && pos.Y >= min.Y && pos.Y < max.Y
}

// NodeAt returns the node at the given LOD containing the world position,
// or false if the position lies outside the terrain.
func (c *TerrainConfig) NodeAt(lod uint8, pos gmath.Vec2) (NodeID, bool) {
	if pos.X < 0 || pos.Y < 0 || pos.X >= c.Size || pos.Y >= c.Size {
		return NodeID{}, false
	}
	side := c.NodeSize(lod)
	return NodeID{
		LOD: lod,
		X:   uint32(pos.X / side),
		Y:   uint32(pos.Y / side),
	}, true
}
