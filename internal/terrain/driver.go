package terrain

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/veldt-dev/veldt/internal/logger"
	gmath "github.com/veldt-dev/veldt/pkg/math"
)

// Streamer orchestrates the request -> load -> activate -> evict lifecycle.
// It owns explicit maps of terrains and their views, keyed by name, and is
// the only component that calls Request and Release on an atlas, so all
// slot allocation is serialized onto the tick goroutine regardless of how
// many views share a terrain.
type Streamer struct {
	terrains map[string]*terrainState
}

type terrainState struct {
	name  string
	cfg   *TerrainConfig
	atlas *NodeAtlas
	views map[string]*viewState
}

type viewState struct {
	name     string
	quadtree *Quadtree
	position gmath.Vec3
	// requested holds the nodes this view currently has a reference on in
	// the atlas; diffed against fresh demand each tick.
	requested map[NodeID]struct{}
}

// NewStreamer creates an empty streaming driver.
func NewStreamer() *Streamer {
	return &Streamer{terrains: make(map[string]*terrainState)}
}

// AddTerrain registers a terrain with its loader and optional storage
// backend. The config is validated here; a nil backend keeps data in main
// memory only.
func (s *Streamer) AddTerrain(cfg *TerrainConfig, loader AttachmentLoader, backend StorageBackend) error {
	if _, exists := s.terrains[cfg.Name]; exists {
		return fmt.Errorf("terrain %q already registered", cfg.Name)
	}
	atlas, err := NewNodeAtlas(cfg, loader, backend)
	if err != nil {
		return fmt.Errorf("creating atlas for terrain %q: %w", cfg.Name, err)
	}
	s.terrains[cfg.Name] = &terrainState{
		name:  cfg.Name,
		cfg:   cfg,
		atlas: atlas,
		views: make(map[string]*viewState),
	}
	logger.Info("terrain registered",
		zap.String("terrain", cfg.Name),
		zap.Uint8("max_lod", cfg.MaxLOD),
		zap.Int("atlas_capacity", cfg.AtlasCapacity))
	return nil
}

// RemoveTerrain unregisters a terrain and all its views.
func (s *Streamer) RemoveTerrain(name string) {
	delete(s.terrains, name)
}

// AddView registers a viewer (camera, light, ...) on a terrain.
func (s *Streamer) AddView(terrain, view string) error {
	ts, ok := s.terrains[terrain]
	if !ok {
		return fmt.Errorf("unknown terrain %q", terrain)
	}
	if _, exists := ts.views[view]; exists {
		return fmt.Errorf("view %q already registered on terrain %q", view, terrain)
	}
	ts.views[view] = &viewState{
		name:      view,
		quadtree:  NewQuadtree(ts.cfg),
		requested: make(map[NodeID]struct{}),
	}
	return nil
}

// RemoveView unregisters a view, releasing every node reference it holds.
func (s *Streamer) RemoveView(terrain, view string) {
	ts, ok := s.terrains[terrain]
	if !ok {
		return
	}
	vs, ok := ts.views[view]
	if !ok {
		return
	}
	for id := range vs.requested {
		ts.atlas.Release(id)
	}
	delete(ts.views, view)
}

// SetViewPosition updates a viewer's world position for the next tick.
func (s *Streamer) SetViewPosition(terrain, view string, pos gmath.Vec3) error {
	ts, ok := s.terrains[terrain]
	if !ok {
		return fmt.Errorf("unknown terrain %q", terrain)
	}
	vs, ok := ts.views[view]
	if !ok {
		return fmt.Errorf("unknown view %q on terrain %q", view, terrain)
	}
	vs.position = pos
	return nil
}

// View returns the quadtree of a registered view, for queries.
func (s *Streamer) View(terrain, view string) (*Quadtree, bool) {
	ts, ok := s.terrains[terrain]
	if !ok {
		return nil, false
	}
	vs, ok := ts.views[view]
	if !ok {
		return nil, false
	}
	return vs.quadtree, true
}

// Atlas returns a terrain's node atlas, for resident-handle lookups.
func (s *Streamer) Atlas(terrain string) (*NodeAtlas, bool) {
	ts, ok := s.terrains[terrain]
	if !ok {
		return nil, false
	}
	return ts.atlas, true
}

// Tick advances streaming for every terrain: apply completed loads, promote
// them into the views, recompute demand, diff it against atlas residency,
// and rebuild each view's renderable covering. Call once per frame from a
// single goroutine.
func (s *Streamer) Tick() {
	for _, ts := range s.terrains {
		ts.tick()
	}
}

func (ts *terrainState) tick() {
	// Apply phase: observe load completion before anything reads residency.
	activated, failed := ts.atlas.ApplyLoads()

	// A failed node lost its slot together with the references the views
	// held on it. Forget it everywhere so the demand diff below requests it
	// again while it stays demanded.
	for _, id := range failed {
		for _, vs := range ts.views {
			delete(vs.requested, id)
		}
	}

	// Demand phase.
	for _, vs := range ts.views {
		vs.quadtree.Update(vs.position)
		for _, id := range activated {
			vs.quadtree.Promote(id)
		}
	}

	// Diff phase: releases first so freed slots are available to requests.
	for _, vs := range ts.views {
		demand := vs.quadtree.DemandSet()
		for id := range vs.requested {
			if _, still := demand[id]; !still {
				ts.atlas.Release(id)
				delete(vs.requested, id)
			}
		}
	}

	// Requests sorted coarse-first across all views: when capacity runs
	// short the coarse nodes win, since they are the fallback for many
	// finer ones.
	type request struct {
		view *viewState
		id   NodeID
	}
	var requests []request
	for _, vs := range ts.views {
		for id := range vs.quadtree.DemandSet() {
			if _, have := vs.requested[id]; !have {
				requests = append(requests, request{view: vs, id: id})
			}
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].id.Morton() < requests[j].id.Morton()
	})
	for _, r := range requests {
		if err := ts.atlas.Request(r.id); err != nil {
			if errors.Is(err, ErrAtlasExhausted) {
				// Finer requests would fail too; retry next tick once
				// demand has settled or slots have been released.
				atlasExhaustions.WithLabelValues(ts.name).Inc()
				logger.Debug("atlas exhausted, deferring demand",
					zap.String("terrain", ts.name),
					zap.Stringer("node", r.id),
					zap.Int("capacity", ts.atlas.Capacity()))
				break
			}
			logger.Warn("node request failed", zap.Error(err))
			continue
		}
		r.view.requested[r.id] = struct{}{}
	}

	// Adjust phase: rebuild each view's renderable covering and refresh the
	// height under the viewer.
	for _, vs := range ts.views {
		vs.quadtree.Adjust(ts.atlas)
		vs.quadtree.SampleViewerHeight(ts.atlas)
	}

	// Keep the occupied slot range dense for backend consumers. A no-op
	// unless a freed slot left a hole below the resident range.
	if err := ts.atlas.Compact(); err != nil {
		logger.Warn("atlas compaction failed",
			zap.String("terrain", ts.name), zap.Error(err))
	}

	atlasResident.WithLabelValues(ts.name).Set(float64(ts.atlas.Len()))
}
