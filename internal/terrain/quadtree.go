package terrain

import (
	"encoding/binary"
	"sort"

	gmath "github.com/veldt-dev/veldt/pkg/math"
)

// Quadtree is the per-(terrain, view) spatial index. It tracks which nodes
// the view wants active for its current position and maintains an always
// renderable, gap-free covering of the surrounding area built from whatever
// the atlas has actually loaded.
//
// The quadtree never holds attachment data itself, only node ids resolved
// against the atlas on demand. Multiple quadtrees may reference one atlas;
// the atlas residency reflects the union of their demand.
type Quadtree struct {
	cfg    *TerrainConfig
	viewer gmath.Vec3

	// demanded is the node set this view wants active, recomputed by Update.
	demanded map[NodeID]struct{}
	// active is the renderable covering computed by the last Adjust pass:
	// every demanded node, demoted to its nearest active ancestor where the
	// data has not arrived yet.
	active map[NodeID]struct{}

	viewerHeight   float32
	viewerHeightOK bool
}

// NewQuadtree creates a view index for a terrain.
func NewQuadtree(cfg *TerrainConfig) *Quadtree {
	return &Quadtree{
		cfg:      cfg,
		demanded: make(map[NodeID]struct{}),
		active:   make(map[NodeID]struct{}),
	}
}

// Update recomputes the demanded node set for a viewer position. Selection
// walks top-down from the root and subdivides any node whose distance to the
// viewer is below the range configured for its LOD, which yields concentric
// detail rings tiling the terrain without gaps or overlaps.
func (q *Quadtree) Update(viewer gmath.Vec3) {
	q.viewer = viewer
	clear(q.demanded)
	q.selectNode(Root())
}

func (q *Quadtree) selectNode(id NodeID) {
	if id.LOD < q.cfg.MaxLOD && q.nodeDistance(id) < q.cfg.LODRanges[id.LOD] {
		for _, child := range id.Children() {
			q.selectNode(child)
		}
		return
	}
	q.demanded[id] = struct{}{}
}

// nodeDistance returns the horizontal distance from the viewer to the node's
// bounding rectangle, zero when the viewer is above it.
func (q *Quadtree) nodeDistance(id NodeID) float32 {
	min, max := q.cfg.NodeBounds(id)
	p := q.viewer.XZ()
	return p.Distance(p.Clamp(min, max))
}

// Demand returns the demanded nodes sorted coarse-first, nodes of equal LOD
// in Morton order. The streaming driver requests in this order so coarse
// fallback nodes win when atlas capacity runs short.
func (q *Quadtree) Demand() []NodeID {
	ids := make([]NodeID, 0, len(q.demanded))
	for id := range q.demanded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Morton() < ids[j].Morton()
	})
	return ids
}

// DemandSet exposes the demanded set for diffing without a copy. The caller
// must not retain it across Update calls.
func (q *Quadtree) DemandSet() map[NodeID]struct{} {
	return q.demanded
}

// Promote flips a demanded node to active, called by the streaming driver
// when the atlas reports its load complete. Promotion between the apply and
// adjust phases makes fresh data queryable within the same tick.
func (q *Quadtree) Promote(id NodeID) {
	if _, ok := q.demanded[id]; ok {
		q.active[id] = struct{}{}
	}
}

// Adjust rebuilds the active covering against the atlas: each demanded node
// whose data is not active yet is demoted to its nearest active ancestor, so
// a partially loaded area renders at the best available coarser detail
// instead of a hole.
func (q *Quadtree) Adjust(atlas *NodeAtlas) {
	clear(q.active)
	for id := range q.demanded {
		n := id
		for {
			if atlas.IsActive(n) {
				q.active[n] = struct{}{}
				break
			}
			if n.LOD == 0 {
				break
			}
			n = n.Parent()
		}
	}
}

// Active returns the current renderable covering sorted coarse-first.
func (q *Quadtree) Active() []NodeID {
	ids := make([]NodeID, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Morton() < ids[j].Morton()
	})
	return ids
}

// Query returns the deepest active node covering a world position, the
// single source of truth for what is rendered there. Returns false when the
// position is outside the terrain or not even the root is active.
func (q *Quadtree) Query(pos gmath.Vec2) (NodeID, bool) {
	leaf, ok := q.cfg.NodeAt(q.cfg.MaxLOD, pos)
	if !ok {
		return NodeID{}, false
	}
	n := leaf
	for {
		if _, ok := q.active[n]; ok {
			return n, true
		}
		if n.LOD == 0 {
			return NodeID{}, false
		}
		n = n.Parent()
	}
}

// HeightAt samples the terrain height at a world position from the node
// Query selects, so gameplay height stays consistent with the geometry
// actually rendered there. Returns false when no height data covers the
// position yet.
func (q *Quadtree) HeightAt(atlas *NodeAtlas, pos gmath.Vec2) (float32, bool) {
	id, ok := q.Query(pos)
	if !ok {
		return 0, false
	}
	data, ok := atlas.Get(id)
	if !ok {
		// The node was evicted after the last adjust pass; degrade to
		// "no data" rather than sampling a stale slot.
		return 0, false
	}
	att, ok := q.cfg.Attachment(HeightAttachmentName)
	if !ok {
		return 0, false
	}
	buf, ok := data.Buffers[att.Name]
	if !ok {
		return 0, false
	}
	return q.sampleHeight(att, id, buf, pos), true
}

// sampleHeight bilinearly interpolates the height texture of a node at a
// world position inside its bounds.
func (q *Quadtree) sampleHeight(att *AttachmentConfig, id NodeID, buf []byte, pos gmath.Vec2) float32 {
	min, _ := q.cfg.NodeBounds(id)
	side := q.cfg.NodeSize(id.LOD)

	full := int(att.FullResolution())
	border := int(att.BorderSize)
	res := int(att.TextureResolution)

	// Texels sit on a grid with spacing side/res, the same grid the loaders
	// fill: texel i lies at world min + i*step. The right neighbor of the
	// last interior texel is a border texel, so the lerp partner exists
	// whenever the attachment carries a border.
	step := side / float32(res)
	fx := (pos.X - min.X) / step
	fy := (pos.Y - min.Y) / step

	maxIdx := res - 1
	if border == 0 {
		maxIdx = res - 2
	}
	if maxIdx < 0 {
		return q.texel(att, buf, full, border, border) * q.cfg.Height
	}

	x0 := int(fx)
	y0 := int(fy)
	if x0 > maxIdx {
		x0 = maxIdx
	}
	if y0 > maxIdx {
		y0 = maxIdx
	}
	tx := gmath.Clampf(fx-float32(x0), 0, 1)
	ty := gmath.Clampf(fy-float32(y0), 0, 1)

	h00 := q.texel(att, buf, full, border+x0, border+y0)
	h10 := q.texel(att, buf, full, border+x0+1, border+y0)
	h01 := q.texel(att, buf, full, border+x0, border+y0+1)
	h11 := q.texel(att, buf, full, border+x0+1, border+y0+1)

	top := h00*(1-tx) + h10*tx
	bottom := h01*(1-tx) + h11*tx
	return (top*(1-ty) + bottom*ty) * q.cfg.Height
}

// texel decodes one height texel to [0, 1]. Validate guarantees the height
// attachment carries one of the scalar formats.
func (q *Quadtree) texel(att *AttachmentConfig, buf []byte, stride, x, y int) float32 {
	off := (y*stride + x) * att.Format.TexelSize()
	switch att.Format {
	case FormatR8:
		return float32(buf[off]) / 255
	case FormatR16, FormatRG16:
		return float32(binary.LittleEndian.Uint16(buf[off:])) / 65535
	}
	return 0
}

// SampleViewerHeight caches the terrain height under the viewer, refreshed
// by the driver after each adjust pass.
func (q *Quadtree) SampleViewerHeight(atlas *NodeAtlas) {
	q.viewerHeight, q.viewerHeightOK = q.HeightAt(atlas, q.viewer.XZ())
}

// ViewerHeight returns the cached height under the viewer.
func (q *Quadtree) ViewerHeight() (float32, bool) {
	return q.viewerHeight, q.viewerHeightOK
}
