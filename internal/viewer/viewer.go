// Package viewer implements the demo loop: a fly camera streaming terrain.
package viewer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"

	"github.com/veldt-dev/veldt/internal/config"
	"github.com/veldt-dev/veldt/internal/gpu"
	"github.com/veldt-dev/veldt/internal/logger"
	"github.com/veldt-dev/veldt/internal/terrain"
	"github.com/veldt-dev/veldt/internal/window"
	gmath "github.com/veldt-dev/veldt/pkg/math"
)

const viewName = "camera"

// Viewer owns the window, the streaming driver and the camera state.
type Viewer struct {
	cfg     *config.Config
	window  *window.Window
	storage *gpu.AtlasStorage

	streamer *terrain.Streamer
	terrain  *terrain.TerrainConfig

	position gmath.Vec3
	running  bool

	metrics *http.Server
}

// New creates the viewer: window and GL context first, then GPU storage and
// the streaming driver for the configured terrain.
func New(cfg *config.Config) (*Viewer, error) {
	tcfg, err := resolveTerrain(cfg)
	if err != nil {
		return nil, err
	}

	v := &Viewer{
		cfg:     cfg,
		terrain: tcfg,
		// Start above the terrain center so the first ticks stream the
		// coarse overview in.
		position: gmath.Vec3{
			X: tcfg.Size / 2,
			Y: tcfg.Height + 100,
			Z: tcfg.Size / 2,
		},
	}

	v.window, err = window.New(window.Config{
		Title:      "veldt",
		Width:      cfg.Graphics.Width,
		Height:     cfg.Graphics.Height,
		Fullscreen: cfg.Graphics.Fullscreen,
		VSync:      cfg.Graphics.VSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	v.storage, err = gpu.NewAtlasStorage(tcfg)
	if err != nil {
		v.window.Close()
		return nil, fmt.Errorf("failed to allocate atlas storage: %w", err)
	}

	loader := newLoader(cfg, tcfg)
	v.streamer = terrain.NewStreamer()
	if err := v.streamer.AddTerrain(tcfg, loader, v.storage); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.streamer.AddView(tcfg.Name, viewName); err != nil {
		v.Close()
		return nil, err
	}

	if addr := cfg.Streaming.MetricsAddr; addr != "" {
		v.metrics = &http.Server{Addr: addr, Handler: promhttp.Handler()}
		go func() {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := v.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("viewer initialized",
		zap.String("terrain", tcfg.Name),
		zap.Float32("size", tcfg.Size),
		zap.Uint8("max_lod", tcfg.MaxLOD))
	return v, nil
}

// resolveTerrain loads the terrain descriptor, or falls back to the built-in
// procedural terrain.
func resolveTerrain(cfg *config.Config) (*terrain.TerrainConfig, error) {
	if path := cfg.Terrain.ConfigPath; path != "" {
		tcfg, err := terrain.LoadTerrainConfig(path)
		if err != nil {
			return nil, fmt.Errorf("loading terrain descriptor: %w", err)
		}
		return tcfg, nil
	}
	return terrain.DefaultTerrainConfig("veldt"), nil
}

// newLoader picks the tile source: disk tiles when a data directory is
// configured, procedural generation otherwise.
func newLoader(cfg *config.Config, tcfg *terrain.TerrainConfig) terrain.AttachmentLoader {
	if dir := cfg.Terrain.DataDir; dir != "" {
		logger.Info("streaming tiles from disk", zap.String("dir", dir))
		return terrain.NewDiskLoader(dir)
	}
	logger.Info("streaming generated terrain", zap.Int64("seed", cfg.Terrain.Seed))
	return terrain.NewGeneratedLoader(tcfg, cfg.Terrain.Seed)
}

// Run starts the main loop and blocks until quit.
func (v *Viewer) Run() error {
	v.running = true

	lastTime := time.Now()
	frameCount := 0
	statsTimer := time.Now()

	logger.Info("starting viewer loop")

	for v.running {
		now := time.Now()
		dt := float32(now.Sub(lastTime).Seconds())
		lastTime = now

		v.pollEvents()
		v.moveCamera(dt)

		if err := v.streamer.SetViewPosition(v.terrain.Name, viewName, v.position); err != nil {
			return err
		}
		v.streamer.Tick()
		v.clampAboveGround()

		gl.ClearColor(0.45, 0.62, 0.80, 1.0)
		gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
		v.window.SwapBuffers()

		frameCount++
		if time.Since(statsTimer) >= time.Second {
			v.logStats(frameCount)
			frameCount = 0
			statsTimer = time.Now()
		}

		if limit := v.cfg.Graphics.FPSLimit; limit > 0 {
			budget := time.Second / time.Duration(limit)
			if elapsed := time.Since(now); elapsed < budget {
				time.Sleep(budget - elapsed)
			}
		}
	}

	return nil
}

func (v *Viewer) pollEvents() {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			v.running = false
		case *sdl.KeyboardEvent:
			if e.Type == sdl.KEYDOWN && e.Keysym.Scancode == sdl.SCANCODE_ESCAPE {
				v.running = false
			}
		}
	}
}

// moveCamera applies WASD planar movement and Q/E vertical movement, with
// shift as a speed boost.
func (v *Viewer) moveCamera(dt float32) {
	keys := sdl.GetKeyboardState()
	speed := v.cfg.Streaming.ViewerSpeed * dt
	if keys[sdl.SCANCODE_LSHIFT] != 0 || keys[sdl.SCANCODE_RSHIFT] != 0 {
		speed *= 5
	}

	if keys[sdl.SCANCODE_W] != 0 {
		v.position.Z -= speed
	}
	if keys[sdl.SCANCODE_S] != 0 {
		v.position.Z += speed
	}
	if keys[sdl.SCANCODE_A] != 0 {
		v.position.X -= speed
	}
	if keys[sdl.SCANCODE_D] != 0 {
		v.position.X += speed
	}
	if keys[sdl.SCANCODE_Q] != 0 {
		v.position.Y -= speed
	}
	if keys[sdl.SCANCODE_E] != 0 {
		v.position.Y += speed
	}
}

// clampAboveGround keeps the camera from sinking below the streamed surface.
// Uses the height sampled during the tick, so it degrades gracefully while
// the ground under the camera is still loading.
func (v *Viewer) clampAboveGround() {
	view, ok := v.streamer.View(v.terrain.Name, viewName)
	if !ok {
		return
	}
	if ground, known := view.ViewerHeight(); known && v.position.Y < ground+2 {
		v.position.Y = ground + 2
	}
}

func (v *Viewer) logStats(fps int) {
	atlas, _ := v.streamer.Atlas(v.terrain.Name)
	view, _ := v.streamer.View(v.terrain.Name, viewName)

	fields := []zap.Field{
		zap.Int("fps", fps),
		zap.Int("resident", atlas.Len()),
		zap.Int("capacity", atlas.Capacity()),
		zap.Int("active", len(view.Active())),
		zap.Float32("x", v.position.X),
		zap.Float32("z", v.position.Z),
	}
	if ground, known := view.ViewerHeight(); known {
		fields = append(fields, zap.Float32("ground", ground))
	}
	logger.Debug("frame stats", fields...)
}

// Close releases all resources.
func (v *Viewer) Close() {
	logger.Info("closing viewer")

	if v.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := v.metrics.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if v.storage != nil {
		v.storage.Destroy()
	}
	if v.window != nil {
		v.window.Close()
	}
}
