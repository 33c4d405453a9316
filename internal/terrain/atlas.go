package terrain

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/veldt-dev/veldt/internal/logger"
)

// SlotState is the lifecycle state of an atlas slot.
type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotLoading
	SlotActive
)

// String returns a readable state name.
func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotLoading:
		return "loading"
	case SlotActive:
		return "active"
	}
	return "unknown"
}

// pendingLoad tracks one attachment load of a slot in SlotLoading.
type pendingLoad struct {
	attachment string
	handle     LoadHandle
	data       []byte
	done       bool
}

// atlasSlot is one fixed-size storage unit. While resident it is associated
// with exactly one node; the atlas owns this mapping exclusively.
type atlasSlot struct {
	state    SlotState
	node     NodeID
	refs     int
	lastUsed uint64
	pending  []pendingLoad
	data     map[string][]byte
}

// AttachmentData is the resident payload of an active node: one buffer per
// configured attachment, plus the slot index GPU consumers address.
type AttachmentData struct {
	Node    NodeID
	Slot    int
	Buffers map[string][]byte
}

// StorageBackend is the opaque sink attachment data is handed to on
// activation, typically GPU memory. Slot indices address fixed-size units;
// Copy relocates a slot's data when the atlas compacts.
type StorageBackend interface {
	Upload(slot int, attachment string, data []byte) error
	Copy(src, dst int) error
}

// NodeAtlas is the fixed-capacity slot table tracking which nodes' attachment
// data is currently resident. It owns the load/unload state machine and the
// slot allocation and eviction policy. Not safe for concurrent use: the
// streaming driver serializes all mutation onto the tick goroutine.
type NodeAtlas struct {
	cfg     *TerrainConfig
	loader  AttachmentLoader
	backend StorageBackend // may be nil

	slots    []atlasSlot
	resident map[NodeID]int
	freeList []int

	// clock advances once per apply phase; slot stamps implement LRU.
	clock uint64

	// abandoned holds in-flight handles whose slot failed; they are polled
	// to completion so the loader can retire them.
	abandoned []LoadHandle
}

// NewNodeAtlas creates an atlas with cfg.AtlasCapacity slots.
func NewNodeAtlas(cfg *TerrainConfig, loader AttachmentLoader, backend StorageBackend) (*NodeAtlas, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: an attachment loader is required", ErrInvalidConfig)
	}

	a := &NodeAtlas{
		cfg:      cfg,
		loader:   loader,
		backend:  backend,
		slots:    make([]atlasSlot, cfg.AtlasCapacity),
		resident: make(map[NodeID]int, cfg.AtlasCapacity),
		freeList: make([]int, 0, cfg.AtlasCapacity),
	}
	// Free slots pop lowest-index first.
	for i := cfg.AtlasCapacity - 1; i >= 0; i-- {
		a.freeList = append(a.freeList, i)
	}
	return a, nil
}

// Capacity returns the number of slots.
func (a *NodeAtlas) Capacity() int {
	return len(a.slots)
}

// Len returns the number of resident nodes (loading or active).
func (a *NodeAtlas) Len() int {
	return len(a.resident)
}

// Request marks intent to load a node, reserving a slot and starting one
// load per attachment. Requests for a node already resident are coalesced,
// only incrementing its reference count. Returns ErrAtlasExhausted when a
// slot is needed but every slot is held by active demand.
func (a *NodeAtlas) Request(id NodeID) error {
	if idx, ok := a.resident[id]; ok {
		a.slots[idx].refs++
		a.slots[idx].lastUsed = a.clock
		return nil
	}

	idx, err := a.allocSlot()
	if err != nil {
		return fmt.Errorf("requesting node %s: %w", id, err)
	}

	slot := &a.slots[idx]
	slot.state = SlotLoading
	slot.node = id
	slot.refs = 1
	slot.lastUsed = a.clock
	slot.data = nil
	slot.pending = slot.pending[:0]
	for i := range a.cfg.Attachments {
		name := a.cfg.Attachments[i].Name
		slot.pending = append(slot.pending, pendingLoad{
			attachment: name,
			handle:     a.loader.BeginLoad(id, name),
		})
	}
	a.resident[id] = idx

	nodeLoads.WithLabelValues(a.cfg.Name).Inc()
	return nil
}

// Release decrements a node's reference count. At zero the node stays
// resident but becomes eligible for eviction.
func (a *NodeAtlas) Release(id NodeID) {
	idx, ok := a.resident[id]
	if !ok {
		return
	}
	slot := &a.slots[idx]
	if slot.refs == 0 {
		logger.Warn("release of unreferenced node", zap.Stringer("node", id))
		return
	}
	slot.refs--
}

// IsActive reports whether the node is resident with fully loaded data.
func (a *NodeAtlas) IsActive(id NodeID) bool {
	idx, ok := a.resident[id]
	return ok && a.slots[idx].state == SlotActive
}

// Get returns a node's resident data. Only active nodes are returned; a
// loading slot is never observable through Get.
func (a *NodeAtlas) Get(id NodeID) (AttachmentData, bool) {
	idx, ok := a.resident[id]
	if !ok || a.slots[idx].state != SlotActive {
		return AttachmentData{}, false
	}
	slot := &a.slots[idx]
	slot.lastUsed = a.clock
	return AttachmentData{Node: id, Slot: idx, Buffers: slot.data}, true
}

// SlotIndex returns the slot a node occupies, for consumers that address
// backend storage directly.
func (a *NodeAtlas) SlotIndex(id NodeID) (int, bool) {
	idx, ok := a.resident[id]
	return idx, ok
}

// ApplyLoads polls every in-flight load and returns the nodes that became
// active alongside the nodes whose slot was freed by a failure. Must run once
// at the start of each tick, before demand is recomputed; it is the only
// point where load completion is observed. A slot with a failed attachment
// reverts to free and the failure is logged; callers holding references to a
// failed node must forget them, the slot is gone.
func (a *NodeAtlas) ApplyLoads() (activated, failed []NodeID) {
	a.clock++
	a.drainAbandoned()

	var failedSlots []int

	for id, idx := range a.resident {
		slot := &a.slots[idx]
		if slot.state != SlotLoading {
			continue
		}

		complete := true
		for i := range slot.pending {
			p := &slot.pending[i]
			if p.done {
				continue
			}
			status, data, err := a.loader.Poll(p.handle)
			switch status {
			case LoadPending:
				complete = false
			case LoadReady:
				if want, ok := a.cfg.Attachment(p.attachment); ok && len(data) != want.BytesPerNode() {
					err = fmt.Errorf("payload is %d bytes, want %d", len(data), want.BytesPerNode())
					status = LoadFailed
				} else {
					p.data = data
					p.done = true
				}
			}
			if status == LoadFailed {
				loadErr := &LoadError{Node: id, Attachment: p.attachment, Err: err}
				logger.Warn("attachment load failed", zap.Error(loadErr))
				nodeLoadFailures.WithLabelValues(a.cfg.Name).Inc()
				failedSlots = append(failedSlots, idx)
				for j := range slot.pending {
					if q := &slot.pending[j]; !q.done && q.handle != p.handle {
						a.abandoned = append(a.abandoned, q.handle)
					}
				}
				complete = false
				break
			}
		}
		if !complete {
			continue
		}

		// All attachments loaded; hand the data to the backend and activate.
		buffers := make(map[string][]byte, len(slot.pending))
		uploadFailed := false
		for i := range slot.pending {
			p := &slot.pending[i]
			buffers[p.attachment] = p.data
			if a.backend == nil {
				continue
			}
			if err := a.backend.Upload(idx, p.attachment, p.data); err != nil {
				logger.Error("backend upload failed",
					zap.Stringer("node", id),
					zap.String("attachment", p.attachment),
					zap.Error(err))
				nodeLoadFailures.WithLabelValues(a.cfg.Name).Inc()
				failedSlots = append(failedSlots, idx)
				uploadFailed = true
				break
			}
		}
		if uploadFailed {
			continue
		}

		slot.state = SlotActive
		slot.data = buffers
		slot.pending = nil
		slot.lastUsed = a.clock
		activated = append(activated, id)
	}

	for _, idx := range failedSlots {
		failed = append(failed, a.slots[idx].node)
		a.freeSlot(idx)
	}

	return activated, failed
}

// drainAbandoned polls orphaned handles until the loader retires them.
func (a *NodeAtlas) drainAbandoned() {
	remaining := a.abandoned[:0]
	for _, h := range a.abandoned {
		if status, _, _ := a.loader.Poll(h); status == LoadPending {
			remaining = append(remaining, h)
		}
	}
	a.abandoned = remaining
}

// allocSlot returns a free slot index, evicting if necessary.
func (a *NodeAtlas) allocSlot() (int, error) {
	if n := len(a.freeList); n > 0 {
		idx := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return idx, nil
	}
	return a.evict()
}

// evict frees the least-recently-used unreferenced active slot. Ties prefer
// the coarsest LOD. Loading slots are never evicted; an in-flight load
// completes into active and becomes evictable the next cycle.
func (a *NodeAtlas) evict() (int, error) {
	best := -1
	for idx := range a.slots {
		slot := &a.slots[idx]
		if slot.state != SlotActive || slot.refs != 0 {
			continue
		}
		if best == -1 {
			best = idx
			continue
		}
		b := &a.slots[best]
		if slot.lastUsed < b.lastUsed ||
			(slot.lastUsed == b.lastUsed && slot.node.LOD < b.node.LOD) {
			best = idx
		}
	}
	if best == -1 {
		return 0, ErrAtlasExhausted
	}

	logger.Debug("evicting node",
		zap.Stringer("node", a.slots[best].node),
		zap.Int("slot", best))
	nodeEvictions.WithLabelValues(a.cfg.Name).Inc()

	delete(a.resident, a.slots[best].node)
	a.slots[best] = atlasSlot{}
	return best, nil
}

// freeSlot releases a slot back to the free list.
func (a *NodeAtlas) freeSlot(idx int) {
	delete(a.resident, a.slots[idx].node)
	a.slots[idx] = atlasSlot{}
	a.freeList = append(a.freeList, idx)
}

// Compact relocates resident slots into the lowest indices so backend
// consumers can treat the occupied range as dense. Active slot data is moved
// with StorageBackend.Copy; loading slots move without a copy since nothing
// has been uploaded yet.
func (a *NodeAtlas) Compact() error {
	dst := 0
	for src := range a.slots {
		if a.slots[src].state == SlotFree {
			continue
		}
		for dst < src && a.slots[dst].state != SlotFree {
			dst++
		}
		if dst >= src {
			continue
		}

		if a.backend != nil && a.slots[src].state == SlotActive {
			if err := a.backend.Copy(src, dst); err != nil {
				return fmt.Errorf("compacting slot %d to %d: %w", src, dst, err)
			}
		}
		a.slots[dst] = a.slots[src]
		a.slots[src] = atlasSlot{}
		a.resident[a.slots[dst].node] = dst
	}

	// Rebuild the free list above the occupied range, popping lowest first.
	a.freeList = a.freeList[:0]
	for i := len(a.slots) - 1; i >= 0; i-- {
		if a.slots[i].state == SlotFree {
			a.freeList = append(a.freeList, i)
		}
	}
	return nil
}
