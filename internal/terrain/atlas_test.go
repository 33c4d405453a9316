package terrain

import (
	"errors"
	"fmt"
	"testing"
)

func TestAtlasCapacityBound(t *testing.T) {
	cfg := testConfig(4, 3)
	loader := newStepLoader(cfg)
	atlas, err := NewNodeAtlas(cfg, loader, nil)
	if err != nil {
		t.Fatalf("failed to create atlas: %v", err)
	}

	// Request far more nodes than capacity; the bound must hold throughout.
	for x := uint32(0); x < 8; x++ {
		for y := uint32(0); y < 8; y++ {
			id := NodeID{LOD: 3, X: x, Y: y}
			err := atlas.Request(id)
			if err != nil && !errors.Is(err, ErrAtlasExhausted) {
				t.Fatalf("unexpected request error: %v", err)
			}
			if err == nil {
				atlas.Release(id) // zero refs, evictable once active
			}
			if atlas.Len() > atlas.Capacity() {
				t.Fatalf("resident %d exceeds capacity %d", atlas.Len(), atlas.Capacity())
			}
		}
		loader.complete()
		atlas.ApplyLoads()
		if atlas.Len() > atlas.Capacity() {
			t.Fatalf("resident %d exceeds capacity %d after apply", atlas.Len(), atlas.Capacity())
		}
	}
}

func TestAtlasNoPartialActivation(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	id := Root()
	if err := atlas.Request(id); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// Complete only the height attachment; the node must stay inactive.
	for h, p := range loader.pending {
		if p.attachment == HeightAttachmentName {
			loader.completeHandle(h)
		}
	}
	atlas.ApplyLoads()
	if atlas.IsActive(id) {
		t.Fatal("node active with only one of two attachments loaded")
	}
	if _, ok := atlas.Get(id); ok {
		t.Fatal("Get returned data for a partially loaded node")
	}

	loader.complete()
	activated, _ := atlas.ApplyLoads()
	if !atlas.IsActive(id) {
		t.Fatal("node not active after all attachments loaded")
	}
	if len(activated) != 1 || activated[0] != id {
		t.Errorf("expected ApplyLoads to report %s, got %v", id, activated)
	}
	data, ok := atlas.Get(id)
	if !ok {
		t.Fatal("Get failed for active node")
	}
	if len(data.Buffers) != len(cfg.Attachments) {
		t.Errorf("expected %d buffers, got %d", len(cfg.Attachments), len(data.Buffers))
	}
}

func TestAtlasRequestCoalescing(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	id := NodeID{LOD: 1, X: 0, Y: 1}
	if err := atlas.Request(id); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if err := atlas.Request(id); err != nil {
		t.Fatalf("coalesced request failed: %v", err)
	}

	if got := loader.loadsBegun(id, HeightAttachmentName); got != 1 {
		t.Errorf("expected exactly one underlying load, got %d", got)
	}
	if atlas.Len() != 1 {
		t.Errorf("expected one resident node, got %d", atlas.Len())
	}
}

func TestAtlasRefCountBlocksEviction(t *testing.T) {
	cfg := testConfig(2, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	held := NodeID{LOD: 1, X: 0, Y: 0}
	idle := NodeID{LOD: 1, X: 1, Y: 0}
	for _, id := range []NodeID{held, idle} {
		if err := atlas.Request(id); err != nil {
			t.Fatalf("request %s failed: %v", id, err)
		}
	}
	loader.complete()
	atlas.ApplyLoads()
	atlas.Release(idle) // zero refs; held keeps one

	// A new request must evict the unreferenced node, never the held one.
	next := NodeID{LOD: 1, X: 0, Y: 1}
	if err := atlas.Request(next); err != nil {
		t.Fatalf("request with evictable slot failed: %v", err)
	}
	if !atlas.IsActive(held) {
		t.Error("referenced node was evicted")
	}
	if atlas.IsActive(idle) {
		t.Error("unreferenced node survived eviction")
	}
}

func TestAtlasExhausted(t *testing.T) {
	cfg := testConfig(2, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	for _, id := range []NodeID{{LOD: 1, X: 0, Y: 0}, {LOD: 1, X: 1, Y: 0}} {
		if err := atlas.Request(id); err != nil {
			t.Fatalf("request %s failed: %v", id, err)
		}
	}
	loader.complete()
	atlas.ApplyLoads()

	// Every slot referenced: the next request must fail, not evict.
	err := atlas.Request(NodeID{LOD: 1, X: 0, Y: 1})
	if !errors.Is(err, ErrAtlasExhausted) {
		t.Fatalf("expected ErrAtlasExhausted, got %v", err)
	}
	if atlas.Len() != 2 {
		t.Errorf("exhausted request changed residency: %d nodes", atlas.Len())
	}

	// Releasing one reference resolves it.
	atlas.Release(NodeID{LOD: 1, X: 1, Y: 0})
	if err := atlas.Request(NodeID{LOD: 1, X: 0, Y: 1}); err != nil {
		t.Fatalf("request after release failed: %v", err)
	}
}

func TestAtlasNeverEvictsLoading(t *testing.T) {
	cfg := testConfig(2, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	loading := NodeID{LOD: 1, X: 0, Y: 0}
	if err := atlas.Request(loading); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	atlas.Release(loading) // zero refs but still loading

	if err := atlas.Request(NodeID{LOD: 1, X: 1, Y: 0}); err != nil {
		t.Fatalf("request for free slot failed: %v", err)
	}
	// Both slots occupied, one loading with zero refs and one referenced:
	// nothing is evictable.
	err := atlas.Request(NodeID{LOD: 1, X: 0, Y: 1})
	if !errors.Is(err, ErrAtlasExhausted) {
		t.Fatalf("expected ErrAtlasExhausted while load in flight, got %v", err)
	}

	// The abandoned load still completes into active, then is evictable.
	loader.complete()
	atlas.ApplyLoads()
	if !atlas.IsActive(loading) {
		t.Fatal("in-flight load did not complete after demand vanished")
	}
	if err := atlas.Request(NodeID{LOD: 1, X: 0, Y: 1}); err != nil {
		t.Fatalf("request after load completion failed: %v", err)
	}
	if atlas.IsActive(loading) {
		t.Error("expected completed zero-ref node to be the eviction victim")
	}
}

func TestAtlasEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := testConfig(2, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	old := NodeID{LOD: 1, X: 0, Y: 0}
	recent := NodeID{LOD: 1, X: 1, Y: 0}
	for _, id := range []NodeID{old, recent} {
		if err := atlas.Request(id); err != nil {
			t.Fatalf("request %s failed: %v", id, err)
		}
	}
	loader.complete()
	atlas.ApplyLoads()
	atlas.Release(old)
	atlas.Release(recent)

	// Age one tick, then touch only the recent node.
	atlas.ApplyLoads()
	atlas.Get(recent)

	if err := atlas.Request(NodeID{LOD: 1, X: 0, Y: 1}); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if atlas.IsActive(old) {
		t.Error("least recently used node survived eviction")
	}
	if !atlas.IsActive(recent) {
		t.Error("recently used node was evicted")
	}
}

func TestAtlasEvictionTieBreakPrefersCoarse(t *testing.T) {
	cfg := testConfig(2, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	coarse := NodeID{LOD: 1, X: 0, Y: 0}
	fine := NodeID{LOD: 2, X: 3, Y: 3}
	for _, id := range []NodeID{fine, coarse} {
		if err := atlas.Request(id); err != nil {
			t.Fatalf("request %s failed: %v", id, err)
		}
	}
	loader.complete()
	atlas.ApplyLoads()
	atlas.Release(coarse)
	atlas.Release(fine)

	// Identical stamps: the coarser node is the victim.
	if err := atlas.Request(NodeID{LOD: 2, X: 0, Y: 0}); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if atlas.IsActive(coarse) {
		t.Error("expected coarse node to lose the eviction tie-break")
	}
	if !atlas.IsActive(fine) {
		t.Error("fine node evicted despite tie-break")
	}
}

func TestAtlasLoadFailure(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	loader.failAttachments["albedo"] = struct{}{}
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	id := Root()
	if err := atlas.Request(id); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	loader.complete()
	activated, failed := atlas.ApplyLoads()

	if len(activated) != 0 {
		t.Errorf("failed load reported as activated: %v", activated)
	}
	if len(failed) != 1 || failed[0] != id {
		t.Errorf("expected ApplyLoads to report %s as failed, got %v", id, failed)
	}
	if atlas.IsActive(id) {
		t.Error("node active despite failed attachment")
	}
	if atlas.Len() != 0 {
		t.Errorf("failed slot still resident: %d nodes", atlas.Len())
	}

	// The node can be requested again once the failure cause is gone.
	delete(loader.failAttachments, "albedo")
	if err := atlas.Request(id); err != nil {
		t.Fatalf("re-request after failure failed: %v", err)
	}
	loader.complete()
	atlas.ApplyLoads()
	if !atlas.IsActive(id) {
		t.Error("node not active after retry")
	}
}

func TestAtlasRejectsWrongPayloadSize(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	atlas, _ := NewNodeAtlas(cfg, loader, nil)

	id := Root()
	if err := atlas.Request(id); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	// Hand back truncated payloads.
	for h := range loader.pending {
		delete(loader.pending, h)
		loader.ready[h] = make([]byte, 3)
	}
	atlas.ApplyLoads()

	if atlas.IsActive(id) {
		t.Error("node activated with truncated payload")
	}
	if atlas.Len() != 0 {
		t.Errorf("slot with bad payload still resident: %d nodes", atlas.Len())
	}
}

// recordingBackend captures backend calls for upload and compaction tests.
type recordingBackend struct {
	uploads []string
	copies  [][2]int
	fail    bool
}

func (b *recordingBackend) Upload(slot int, attachment string, data []byte) error {
	if b.fail {
		return errors.New("upload rejected")
	}
	b.uploads = append(b.uploads, fmt.Sprintf("%d/%s/%d", slot, attachment, len(data)))
	return nil
}

func (b *recordingBackend) Copy(src, dst int) error {
	if b.fail {
		return errors.New("copy rejected")
	}
	b.copies = append(b.copies, [2]int{src, dst})
	return nil
}

func TestAtlasUploadsOnActivation(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	backend := &recordingBackend{}
	atlas, _ := NewNodeAtlas(cfg, loader, backend)

	if err := atlas.Request(Root()); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	loader.complete()
	atlas.ApplyLoads()

	if len(backend.uploads) != len(cfg.Attachments) {
		t.Fatalf("expected %d uploads, got %d: %v", len(cfg.Attachments), len(backend.uploads), backend.uploads)
	}
}

func TestAtlasUploadFailureFreesSlot(t *testing.T) {
	cfg := testConfig(4, 2)
	loader := newStepLoader(cfg)
	backend := &recordingBackend{fail: true}
	atlas, _ := NewNodeAtlas(cfg, loader, backend)

	if err := atlas.Request(Root()); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	loader.complete()
	atlas.ApplyLoads()

	if atlas.IsActive(Root()) {
		t.Error("node active despite upload failure")
	}
	if atlas.Len() != 0 {
		t.Errorf("slot still resident after upload failure: %d nodes", atlas.Len())
	}
}

func TestAtlasCompact(t *testing.T) {
	cfg := testConfig(8, 3)
	loader := newStepLoader(cfg)
	backend := &recordingBackend{}
	atlas, _ := NewNodeAtlas(cfg, loader, backend)

	var ids []NodeID
	for x := uint32(0); x < 4; x++ {
		id := NodeID{LOD: 2, X: x, Y: 0}
		ids = append(ids, id)
		if err := atlas.Request(id); err != nil {
			t.Fatalf("request %s failed: %v", id, err)
		}
	}

	// Complete slots 0 and 2, fail slot 1 to punch a hole, leave slot 3
	// loading.
	loader.completeNode(ids[0])
	loader.completeNode(ids[2])
	loader.failAttachments["albedo"] = struct{}{}
	loader.completeNode(ids[1])
	atlas.ApplyLoads()

	if atlas.Len() != 3 {
		t.Fatalf("expected 3 resident nodes before compaction, got %d", atlas.Len())
	}

	if err := atlas.Compact(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	// Every resident node must occupy a slot below Len, and its recorded
	// index must agree with the slot table.
	n := atlas.Len()
	for id := range atlas.resident {
		idx, _ := atlas.SlotIndex(id)
		if idx >= n {
			t.Errorf("node %s in slot %d, want below %d after compaction", id, idx, n)
		}
		if atlas.slots[idx].node != id {
			t.Errorf("slot %d holds %s, resident map says %s", idx, atlas.slots[idx].node, id)
		}
	}

	// Active nodes that moved must have had their backend data copied.
	for _, cp := range backend.copies {
		if cp[1] >= cp[0] {
			t.Errorf("compaction copied slot %d to %d, expected downward moves", cp[0], cp[1])
		}
	}
}

func TestAtlasReleaseUnknownNode(t *testing.T) {
	cfg := testConfig(2, 2)
	atlas, _ := NewNodeAtlas(cfg, newStepLoader(cfg), nil)

	// Must be a no-op, not a panic.
	atlas.Release(NodeID{LOD: 2, X: 1, Y: 1})
	atlas.Release(Root())
	if atlas.Len() != 0 {
		t.Errorf("release on empty atlas changed residency: %d", atlas.Len())
	}
}

func TestNewNodeAtlasValidation(t *testing.T) {
	cfg := testConfig(0, 2)
	if _, err := NewNodeAtlas(cfg, newStepLoader(cfg), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero capacity, got %v", err)
	}

	if _, err := NewNodeAtlas(testConfig(4, 2), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for nil loader, got %v", err)
	}
}
