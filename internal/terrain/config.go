package terrain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HeightAttachmentName is the attachment sampled by height queries.
const HeightAttachmentName = "height"

// maxSupportedLOD bounds the quadtree depth; 2^24 nodes per axis is far
// beyond any practical terrain.
const maxSupportedLOD = 24

// TerrainConfig describes one terrain: its world extent, quadtree depth,
// atlas capacity, per-LOD subdivision ranges and data attachments.
// Immutable after the terrain is created.
type TerrainConfig struct {
	Name string `yaml:"name"`
	// Size is the world-space side length of the terrain.
	Size float32 `yaml:"size"`
	// Height is the world-space height of a fully saturated height texel.
	Height float32 `yaml:"height"`
	// MaxLOD is the deepest subdivision level; leaves live at this LOD.
	MaxLOD uint8 `yaml:"max_lod"`
	// AtlasCapacity is the number of slots in the node atlas.
	AtlasCapacity int `yaml:"atlas_capacity"`
	// LODRanges[l] is the viewer distance below which a node at LOD l is too
	// coarse and subdivides into its children. Strictly decreasing, one entry
	// per LOD from 0 to MaxLOD-1 (finer entries are permitted and ignored).
	LODRanges []float32 `yaml:"lod_ranges"`
	// Attachments lists the data layers stored per node.
	Attachments []AttachmentConfig `yaml:"attachments"`
}

// LoadTerrainConfig reads and validates a terrain descriptor yaml.
func LoadTerrainConfig(path string) (*TerrainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading terrain config %s: %w", path, err)
	}

	var cfg TerrainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing terrain config %s: %w", path, err)
	}
	if len(cfg.LODRanges) == 0 {
		cfg.LODRanges = DefaultLODRanges(cfg.Size, cfg.MaxLOD)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultLODRanges returns a range table that subdivides a node whenever the
// viewer is within one node side length, halving per level. Footprints double
// per coarser level, so the ranges form concentric detail rings.
func DefaultLODRanges(size float32, maxLOD uint8) []float32 {
	ranges := make([]float32, maxLOD)
	for l := range ranges {
		ranges[l] = size / float32(uint32(1)<<l)
	}
	return ranges
}

// Validate checks the configuration. All violations wrap ErrInvalidConfig.
func (c *TerrainConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %g", ErrInvalidConfig, c.Size)
	}
	if c.Height < 0 {
		return fmt.Errorf("%w: height must not be negative, got %g", ErrInvalidConfig, c.Height)
	}
	if c.MaxLOD > maxSupportedLOD {
		return fmt.Errorf("%w: max lod %d exceeds supported depth %d", ErrInvalidConfig, c.MaxLOD, maxSupportedLOD)
	}
	if c.AtlasCapacity <= 0 {
		return fmt.Errorf("%w: atlas capacity must be positive, got %d", ErrInvalidConfig, c.AtlasCapacity)
	}
	if len(c.LODRanges) < int(c.MaxLOD) {
		return fmt.Errorf("%w: need %d lod ranges, got %d", ErrInvalidConfig, c.MaxLOD, len(c.LODRanges))
	}
	for l, r := range c.LODRanges {
		if r <= 0 {
			return fmt.Errorf("%w: lod range %d must be positive, got %g", ErrInvalidConfig, l, r)
		}
		if l > 0 && r >= c.LODRanges[l-1] {
			return fmt.Errorf("%w: lod ranges must be strictly decreasing, range %d (%g) >= range %d (%g)",
				ErrInvalidConfig, l, r, l-1, c.LODRanges[l-1])
		}
	}
	if len(c.Attachments) == 0 {
		return fmt.Errorf("%w: at least one attachment is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Attachments))
	for i := range c.Attachments {
		a := &c.Attachments[i]
		if err := a.validate(); err != nil {
			return err
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate attachment name %q", ErrInvalidConfig, a.Name)
		}
		seen[a.Name] = struct{}{}
		// Height queries decode the first channel as a scalar; RGBA8 has no
		// meaningful height channel.
		if a.Name == HeightAttachmentName && a.Format == FormatRGBA8 {
			return fmt.Errorf("%w: height attachment must use a scalar format, got %s", ErrInvalidConfig, a.Format)
		}
	}
	return nil
}

// Attachment returns the attachment config with the given name.
func (c *TerrainConfig) Attachment(name string) (*AttachmentConfig, bool) {
	for i := range c.Attachments {
		if c.Attachments[i].Name == name {
			return &c.Attachments[i], true
		}
	}
	return nil, false
}

// DefaultTerrainConfig returns a terrain with height and albedo attachments,
// suitable for the procedurally generated demo terrain.
func DefaultTerrainConfig(name string) *TerrainConfig {
	size := float32(4096)
	maxLOD := uint8(4)
	return &TerrainConfig{
		Name:          name,
		Size:          size,
		Height:        600,
		MaxLOD:        maxLOD,
		AtlasCapacity: 128,
		LODRanges:     DefaultLODRanges(size, maxLOD),
		Attachments: []AttachmentConfig{
			{
				Name:              HeightAttachmentName,
				TextureResolution: 128,
				BorderSize:        2,
				MipLevels:         1,
				Format:            FormatR16,
				Storage:           StorageTexture,
			},
			{
				Name:              "albedo",
				TextureResolution: 256,
				BorderSize:        1,
				MipLevels:         1,
				Format:            FormatRGBA8,
				Storage:           StorageTexture,
			},
		},
	}
}
