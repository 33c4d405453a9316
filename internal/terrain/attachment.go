package terrain

import (
	"fmt"
)

// AttachmentFormat is the texel format of an attachment. The set is closed;
// backends switch over it rather than inspecting byte layouts.
type AttachmentFormat uint8

const (
	FormatR8 AttachmentFormat = iota
	FormatR16
	FormatRG16
	FormatRGBA8
)

// TexelSize returns the size of one texel in bytes.
func (f AttachmentFormat) TexelSize() int {
	switch f {
	case FormatR8:
		return 1
	case FormatR16:
		return 2
	case FormatRG16, FormatRGBA8:
		return 4
	}
	return 0
}

// StorageKind selects the backend storage unit for an attachment.
type StorageKind uint8

const (
	// StorageTexture stores the attachment as one layer of a texture array.
	StorageTexture StorageKind = iota
	// StorageBuffer stores the attachment in a slot-strided buffer.
	StorageBuffer
)

// AttachmentConfig describes one named data layer (height, albedo, ...)
// stored per node. Immutable after terrain creation.
type AttachmentConfig struct {
	Name              string           `yaml:"name"`
	TextureResolution uint32           `yaml:"texture_resolution"`
	BorderSize        uint32           `yaml:"border_size"`
	MipLevels         uint32           `yaml:"mip_levels"`
	Format            AttachmentFormat `yaml:"format"`
	Storage           StorageKind      `yaml:"storage"`
}

// FullResolution is the stored edge length: the texture resolution plus the
// border texels duplicated from neighboring nodes on each side.
func (a *AttachmentConfig) FullResolution() uint32 {
	return a.TextureResolution + 2*a.BorderSize
}

// BytesPerNode returns the level-0 payload size one node contributes for
// this attachment.
func (a *AttachmentConfig) BytesPerNode() int {
	full := int(a.FullResolution())
	return full * full * a.Format.TexelSize()
}

func (a *AttachmentConfig) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: attachment with empty name", ErrInvalidConfig)
	}
	if a.TextureResolution == 0 {
		return fmt.Errorf("%w: attachment %q has zero resolution", ErrInvalidConfig, a.Name)
	}
	if a.MipLevels == 0 {
		return fmt.Errorf("%w: attachment %q needs at least one mip level", ErrInvalidConfig, a.Name)
	}
	if a.Format.TexelSize() == 0 {
		return fmt.Errorf("%w: attachment %q has unknown format", ErrInvalidConfig, a.Name)
	}
	return nil
}

// String returns the yaml spelling of the format.
func (f AttachmentFormat) String() string {
	switch f {
	case FormatR8:
		return "r8"
	case FormatR16:
		return "r16"
	case FormatRG16:
		return "rg16"
	case FormatRGBA8:
		return "rgba8"
	}
	return "unknown"
}

// MarshalYAML implements yaml.Marshaler.
func (f AttachmentFormat) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *AttachmentFormat) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "r8":
		*f = FormatR8
	case "r16":
		*f = FormatR16
	case "rg16":
		*f = FormatRG16
	case "rgba8":
		*f = FormatRGBA8
	default:
		return fmt.Errorf("%w: unknown attachment format %q", ErrInvalidConfig, s)
	}
	return nil
}

// String returns the yaml spelling of the storage kind.
func (k StorageKind) String() string {
	switch k {
	case StorageTexture:
		return "texture"
	case StorageBuffer:
		return "buffer"
	}
	return "unknown"
}

// MarshalYAML implements yaml.Marshaler.
func (k StorageKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *StorageKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "texture":
		*k = StorageTexture
	case "buffer":
		*k = StorageBuffer
	default:
		return fmt.Errorf("%w: unknown storage kind %q", ErrInvalidConfig, s)
	}
	return nil
}
