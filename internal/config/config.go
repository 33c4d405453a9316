// Package config handles viewer configuration loading and management.
package config

// Config holds all viewer settings.
type Config struct {
	Graphics  GraphicsConfig  `yaml:"graphics"`
	Terrain   TerrainConfig   `yaml:"terrain"`
	Streaming StreamingConfig `yaml:"streaming"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GraphicsConfig holds display settings for the demo viewer.
type GraphicsConfig struct {
	Width      int  `yaml:"width"`
	Height     int  `yaml:"height"`
	Fullscreen bool `yaml:"fullscreen"`
	VSync      bool `yaml:"vsync"`
	FPSLimit   int  `yaml:"fps_limit"`
}

// TerrainConfig holds terrain data sources.
type TerrainConfig struct {
	// ConfigPath points to a terrain descriptor yaml. Empty means the
	// built-in procedurally generated terrain.
	ConfigPath string `yaml:"config_path"`
	// DataDir is the attachment tile directory for disk-backed terrains.
	DataDir string `yaml:"data_dir"`
	// Seed for the generated terrain when no descriptor is given.
	Seed int64 `yaml:"seed"`
}

// StreamingConfig holds streaming loop settings.
type StreamingConfig struct {
	// MetricsAddr is the listen address for the prometheus endpoint.
	// Empty disables metrics serving.
	MetricsAddr string `yaml:"metrics_addr"`
	// ViewerSpeed is the demo fly-camera speed in world units per second.
	ViewerSpeed float32 `yaml:"viewer_speed"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Graphics: GraphicsConfig{
			Width:      1280,
			Height:     720,
			Fullscreen: false,
			VSync:      true,
			FPSLimit:   0,
		},
		Terrain: TerrainConfig{
			ConfigPath: "",
			DataDir:    "",
			Seed:       7,
		},
		Streaming: StreamingConfig{
			MetricsAddr: "",
			ViewerSpeed: 120,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}
