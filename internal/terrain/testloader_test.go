package terrain

import (
	"errors"
	"fmt"
)

// stepLoader is a deterministic loader for tests: loads stay pending until
// the test calls complete (or completeNode), so tick boundaries are exact.
type stepLoader struct {
	cfg  *TerrainConfig
	next LoadHandle

	pending map[LoadHandle]stepLoad
	ready   map[LoadHandle][]byte
	failed  map[LoadHandle]error

	// fill maps attachment name to the byte every payload texel starts
	// with; height tests override it per node via fillNode.
	fill     map[string]byte
	fillNode map[NodeID]byte
	// failAttachments marks attachment names whose loads fail on completion.
	failAttachments map[string]struct{}

	// begun counts BeginLoad calls per (node, attachment).
	begun map[string]int
}

type stepLoad struct {
	node       NodeID
	attachment string
}

func newStepLoader(cfg *TerrainConfig) *stepLoader {
	return &stepLoader{
		cfg:             cfg,
		pending:         make(map[LoadHandle]stepLoad),
		ready:           make(map[LoadHandle][]byte),
		failed:          make(map[LoadHandle]error),
		fill:            make(map[string]byte),
		fillNode:        make(map[NodeID]byte),
		failAttachments: make(map[string]struct{}),
		begun:           make(map[string]int),
	}
}

func (l *stepLoader) BeginLoad(node NodeID, attachment string) LoadHandle {
	l.next++
	l.pending[l.next] = stepLoad{node: node, attachment: attachment}
	l.begun[node.String()+"/"+attachment]++
	return l.next
}

func (l *stepLoader) Poll(h LoadHandle) (LoadStatus, []byte, error) {
	if data, ok := l.ready[h]; ok {
		delete(l.ready, h)
		return LoadReady, data, nil
	}
	if err, ok := l.failed[h]; ok {
		delete(l.failed, h)
		return LoadFailed, nil, err
	}
	if _, ok := l.pending[h]; ok {
		return LoadPending, nil, nil
	}
	return LoadFailed, nil, fmt.Errorf("unknown load handle %d", h)
}

// complete finishes every pending load.
func (l *stepLoader) complete() {
	for h := range l.pending {
		l.completeHandle(h)
	}
}

// completeNode finishes the pending loads of a single node.
func (l *stepLoader) completeNode(node NodeID) {
	for h, p := range l.pending {
		if p.node == node {
			l.completeHandle(h)
		}
	}
}

func (l *stepLoader) completeHandle(h LoadHandle) {
	p := l.pending[h]
	delete(l.pending, h)

	if _, fail := l.failAttachments[p.attachment]; fail {
		l.failed[h] = errors.New("simulated load failure")
		return
	}

	att, ok := l.cfg.Attachment(p.attachment)
	if !ok {
		l.failed[h] = fmt.Errorf("unknown attachment %q", p.attachment)
		return
	}
	data := make([]byte, att.BytesPerNode())
	fill, ok := l.fillNode[p.node]
	if !ok {
		fill = l.fill[p.attachment]
	}
	for i := range data {
		data[i] = fill
	}
	l.ready[h] = data
}

// loadsBegun returns how many loads were started for a node's attachment.
func (l *stepLoader) loadsBegun(node NodeID, attachment string) int {
	return l.begun[node.String()+"/"+attachment]
}

// testConfig returns a small terrain used across the package tests.
func testConfig(capacity int, maxLOD uint8) *TerrainConfig {
	size := float32(1024)
	return &TerrainConfig{
		Name:          "test",
		Size:          size,
		Height:        100,
		MaxLOD:        maxLOD,
		AtlasCapacity: capacity,
		LODRanges:     DefaultLODRanges(size, maxLOD),
		Attachments: []AttachmentConfig{
			{
				Name:              HeightAttachmentName,
				TextureResolution: 8,
				BorderSize:        1,
				MipLevels:         1,
				Format:            FormatR16,
				Storage:           StorageTexture,
			},
			{
				Name:              "albedo",
				TextureResolution: 4,
				BorderSize:        0,
				MipLevels:         1,
				Format:            FormatRGBA8,
				Storage:           StorageTexture,
			},
		},
	}
}
