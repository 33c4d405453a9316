package terrain

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LoadStatus is the result of polling an in-flight attachment load.
type LoadStatus uint8

const (
	LoadPending LoadStatus = iota
	LoadReady
	LoadFailed
)

// LoadHandle identifies one in-flight attachment load.
type LoadHandle uint64

// AttachmentLoader fetches attachment payloads for nodes. BeginLoad must not
// block; the atlas polls the handle during the apply phase at the start of
// each tick. A handle is retired the first time Poll returns LoadReady or
// LoadFailed.
type AttachmentLoader interface {
	BeginLoad(node NodeID, attachment string) LoadHandle
	Poll(h LoadHandle) (LoadStatus, []byte, error)
}

// DiskLoader reads attachment tiles from a directory laid out as
// <root>/<attachment>/<lod>_<x>_<y>.bin. Reads run on background goroutines;
// Poll observes completion.
type DiskLoader struct {
	root string

	mu      sync.Mutex
	next    LoadHandle
	results map[LoadHandle]*diskResult
}

type diskResult struct {
	done bool
	data []byte
	err  error
}

// NewDiskLoader creates a loader rooted at the given tile directory.
func NewDiskLoader(root string) *DiskLoader {
	return &DiskLoader{
		root:    root,
		results: make(map[LoadHandle]*diskResult),
	}
}

// TilePath returns the on-disk path for a node's attachment tile.
func (l *DiskLoader) TilePath(node NodeID, attachment string) string {
	return filepath.Join(l.root, attachment, fmt.Sprintf("%d_%d_%d.bin", node.LOD, node.X, node.Y))
}

// BeginLoad starts a background read and returns immediately.
func (l *DiskLoader) BeginLoad(node NodeID, attachment string) LoadHandle {
	l.mu.Lock()
	l.next++
	h := l.next
	r := &diskResult{}
	l.results[h] = r
	l.mu.Unlock()

	path := l.TilePath(node, attachment)
	go func() {
		data, err := os.ReadFile(path)

		l.mu.Lock()
		r.data, r.err, r.done = data, err, true
		l.mu.Unlock()
	}()

	return h
}

// Poll reports the state of an in-flight load and retires finished handles.
func (l *DiskLoader) Poll(h LoadHandle) (LoadStatus, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.results[h]
	if !ok {
		return LoadFailed, nil, fmt.Errorf("unknown load handle %d", h)
	}
	if !r.done {
		return LoadPending, nil, nil
	}

	delete(l.results, h)
	if r.err != nil {
		return LoadFailed, nil, r.err
	}
	return LoadReady, r.data, nil
}

// GeneratedLoader produces deterministic procedural attachment data, so a
// terrain can be streamed without any tiles on disk. Height tiles are fractal
// value noise; other layers derive a stable pattern from the same hash.
type GeneratedLoader struct {
	cfg  *TerrainConfig
	seed int64

	mu      sync.Mutex
	next    LoadHandle
	results map[LoadHandle][]byte
	errs    map[LoadHandle]error
}

// NewGeneratedLoader creates a procedural loader for the given terrain.
func NewGeneratedLoader(cfg *TerrainConfig, seed int64) *GeneratedLoader {
	return &GeneratedLoader{
		cfg:     cfg,
		seed:    seed,
		results: make(map[LoadHandle][]byte),
		errs:    make(map[LoadHandle]error),
	}
}

// BeginLoad generates the tile synchronously; generation is cheap enough
// that the handle is ready on the first poll.
func (l *GeneratedLoader) BeginLoad(node NodeID, attachment string) LoadHandle {
	att, ok := l.cfg.Attachment(attachment)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	h := l.next
	if !ok {
		l.errs[h] = fmt.Errorf("unknown attachment %q", attachment)
		return h
	}
	l.results[h] = l.generate(node, att)
	return h
}

// Poll returns the generated tile and retires the handle.
func (l *GeneratedLoader) Poll(h LoadHandle) (LoadStatus, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.errs[h]; ok {
		delete(l.errs, h)
		return LoadFailed, nil, err
	}
	data, ok := l.results[h]
	if !ok {
		return LoadFailed, nil, fmt.Errorf("unknown load handle %d", h)
	}
	delete(l.results, h)
	return LoadReady, data, nil
}

// generate fills one attachment tile for a node. Texels sample world space
// across the node bounds, with the border extending past the edges so that
// neighboring tiles blend seamlessly.
func (l *GeneratedLoader) generate(node NodeID, att *AttachmentConfig) []byte {
	full := int(att.FullResolution())
	data := make([]byte, att.BytesPerNode())

	min, _ := l.cfg.NodeBounds(node)
	side := l.cfg.NodeSize(node.LOD)
	// World units per texel of the interior region.
	step := side / float32(att.TextureResolution)
	originX := min.X - float32(att.BorderSize)*step
	originY := min.Y - float32(att.BorderSize)*step

	texel := att.Format.TexelSize()
	for ty := 0; ty < full; ty++ {
		wy := float64(originY) + float64(ty)*float64(step)
		for tx := 0; tx < full; tx++ {
			wx := float64(originX) + float64(tx)*float64(step)
			h := l.sampleHeight(wx, wy)

			off := (ty*full + tx) * texel
			switch att.Format {
			case FormatR8:
				data[off] = byte(h * 255)
			case FormatR16:
				binary.LittleEndian.PutUint16(data[off:], uint16(h*65535))
			case FormatRG16:
				binary.LittleEndian.PutUint16(data[off:], uint16(h*65535))
				binary.LittleEndian.PutUint16(data[off+2:], uint16((1-h)*65535))
			case FormatRGBA8:
				// Green lowlands fading into grey peaks.
				data[off] = byte(60 + h*160)
				data[off+1] = byte(120 + h*100)
				data[off+2] = byte(60 + h*160)
				data[off+3] = 255
			}
		}
	}
	return data
}

// sampleHeight returns fractal value noise in [0, 1] at a world position.
func (l *GeneratedLoader) sampleHeight(x, y float64) float64 {
	const octaves = 5
	freq := 4.0 / float64(l.cfg.Size)
	amp := 1.0
	sum := 0.0
	norm := 0.0
	for o := 0; o < octaves; o++ {
		sum += amp * l.valueNoise(x*freq, y*freq, int64(o))
		norm += amp
		freq *= 2
		amp *= 0.5
	}
	return sum / norm
}

// valueNoise is lattice value noise with smoothstep interpolation.
func (l *GeneratedLoader) valueNoise(x, y float64, octave int64) float64 {
	x0, y0 := floorInt(x), floorInt(y)
	fx, fy := x-float64(x0), y-float64(y0)
	sx, sy := fade(fx), fade(fy)

	seed := l.seed + octave*0x51ab
	v00 := lattice(x0, y0, seed)
	v10 := lattice(x0+1, y0, seed)
	v01 := lattice(x0, y0+1, seed)
	v11 := lattice(x0+1, y0+1, seed)

	return lerp(lerp(v00, v10, sx), lerp(v01, v11, sx), sy)
}

// fade is the smoothstep-like quintic 6t^5 - 15t^4 + 10t^3.
func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

func floorInt(v float64) int64 {
	i := int64(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

// lattice hashes integer lattice coordinates to [0, 1), stable across runs.
// SplitMix64-style mixing.
func lattice(x, y, seed int64) float64 {
	v := uint64(x)*0x9E3779B97F4A7C15 + uint64(y)*0xBF58476D1CE4E5B9 + uint64(seed)
	v += 0x9E3779B97F4A7C15
	v = (v ^ (v >> 30)) * 0xBF58476D1CE4E5B9
	v = (v ^ (v >> 27)) * 0x94D049BB133111EB
	v ^= v >> 31
	return float64(v>>11) / float64(1<<53)
}
