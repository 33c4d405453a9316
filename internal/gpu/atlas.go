// Package gpu uploads terrain attachment data into OpenGL atlas storage.
package gpu

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/veldt-dev/veldt/internal/terrain"
)

// AtlasStorage is GPU-side storage for a node atlas: one texture array layer
// (or buffer range) per slot and attachment. It implements
// terrain.StorageBackend, so activated nodes land on the GPU during the apply
// phase and shaders address them by slot index. All methods must run on the
// thread owning the GL context.
type AtlasStorage struct {
	cfg      *terrain.TerrainConfig
	textures map[string]*arrayTexture
	buffers  map[string]*slotBuffer

	// Framebuffers used to blit one array layer onto another when the atlas
	// compacts. Texture-to-texture copies need GL 4.3; a layer blit works on
	// the 4.1 core profile.
	readFBO uint32
	drawFBO uint32
}

// arrayTexture is a TEXTURE_2D_ARRAY with one layer per atlas slot.
type arrayTexture struct {
	id             uint32
	full           int32
	internalFormat int32
	pixelFormat    uint32
	pixelType      uint32
	mipLevels      int32
}

// slotBuffer is a buffer object holding one fixed stride per atlas slot.
type slotBuffer struct {
	id     uint32
	stride int
}

// NewAtlasStorage allocates GPU storage for every attachment of a terrain.
func NewAtlasStorage(cfg *terrain.TerrainConfig) (*AtlasStorage, error) {
	s := &AtlasStorage{
		cfg:      cfg,
		textures: make(map[string]*arrayTexture),
		buffers:  make(map[string]*slotBuffer),
	}

	for i := range cfg.Attachments {
		att := &cfg.Attachments[i]
		var err error
		switch att.Storage {
		case terrain.StorageTexture:
			err = s.createTexture(att, cfg.AtlasCapacity)
		case terrain.StorageBuffer:
			err = s.createBuffer(att, cfg.AtlasCapacity)
		default:
			err = fmt.Errorf("unsupported storage kind %d", att.Storage)
		}
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("allocating storage for attachment %q: %w", att.Name, err)
		}
	}

	gl.GenFramebuffers(1, &s.readFBO)
	gl.GenFramebuffers(1, &s.drawFBO)

	if errCode := gl.GetError(); errCode != gl.NO_ERROR {
		s.Destroy()
		return nil, fmt.Errorf("atlas storage allocation failed: 0x%x", errCode)
	}
	return s, nil
}

func (s *AtlasStorage) createTexture(att *terrain.AttachmentConfig, capacity int) error {
	internalFormat, pixelFormat, pixelType, err := glFormat(att.Format)
	if err != nil {
		return err
	}

	tex := &arrayTexture{
		full:           int32(att.FullResolution()),
		internalFormat: internalFormat,
		pixelFormat:    pixelFormat,
		pixelType:      pixelType,
		mipLevels:      int32(att.MipLevels),
	}
	if tex.mipLevels < 1 {
		tex.mipLevels = 1
	}

	gl.GenTextures(1, &tex.id)
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, tex.id)

	// Allocate every mip level up front so the texture is complete even
	// before the first upload.
	size := tex.full
	for level := int32(0); level < tex.mipLevels; level++ {
		gl.TexImage3D(gl.TEXTURE_2D_ARRAY, level, internalFormat,
			size, size, int32(capacity), 0, pixelFormat, pixelType, nil)
		if size > 1 {
			size /= 2
		}
	}

	minFilter := int32(gl.LINEAR)
	if tex.mipLevels > 1 {
		minFilter = gl.LINEAR_MIPMAP_LINEAR
	}
	gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MIN_FILTER, minFilter)
	gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAX_LEVEL, tex.mipLevels-1)
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)

	s.textures[att.Name] = tex
	return nil
}

func (s *AtlasStorage) createBuffer(att *terrain.AttachmentConfig, capacity int) error {
	buf := &slotBuffer{stride: att.BytesPerNode()}

	gl.GenBuffers(1, &buf.id)
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, buf.id)
	gl.BufferData(gl.COPY_WRITE_BUFFER, buf.stride*capacity, nil, gl.DYNAMIC_DRAW)
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)

	s.buffers[att.Name] = buf
	return nil
}

// Upload writes one attachment payload into its slot.
func (s *AtlasStorage) Upload(slot int, attachment string, data []byte) error {
	if tex, ok := s.textures[attachment]; ok {
		gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, tex.id)
		gl.TexSubImage3D(gl.TEXTURE_2D_ARRAY, 0, 0, 0, int32(slot),
			tex.full, tex.full, 1, tex.pixelFormat, tex.pixelType, gl.Ptr(data))
		if tex.mipLevels > 1 {
			gl.GenerateMipmap(gl.TEXTURE_2D_ARRAY)
		}
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
		gl.PixelStorei(gl.UNPACK_ALIGNMENT, 4)
	} else if buf, ok := s.buffers[attachment]; ok {
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, buf.id)
		gl.BufferSubData(gl.COPY_WRITE_BUFFER, slot*buf.stride, len(data), gl.Ptr(data))
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	} else {
		return fmt.Errorf("no storage for attachment %q", attachment)
	}

	if errCode := gl.GetError(); errCode != gl.NO_ERROR {
		return fmt.Errorf("uploading attachment %q to slot %d: 0x%x", attachment, slot, errCode)
	}
	return nil
}

// Copy moves every attachment of one slot into another, used when the atlas
// compacts its occupied range.
func (s *AtlasStorage) Copy(src, dst int) error {
	for name, tex := range s.textures {
		if err := s.blitLayer(tex, src, dst); err != nil {
			return fmt.Errorf("copying attachment %q: %w", name, err)
		}
	}
	for _, buf := range s.buffers {
		gl.BindBuffer(gl.COPY_READ_BUFFER, buf.id)
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, buf.id)
		gl.CopyBufferSubData(gl.COPY_READ_BUFFER, gl.COPY_WRITE_BUFFER,
			src*buf.stride, dst*buf.stride, buf.stride)
		gl.BindBuffer(gl.COPY_READ_BUFFER, 0)
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	}

	if errCode := gl.GetError(); errCode != gl.NO_ERROR {
		return fmt.Errorf("copying slot %d to %d: 0x%x", src, dst, errCode)
	}
	return nil
}

// blitLayer copies one array layer onto another through a framebuffer pair,
// then refreshes the mip chain.
func (s *AtlasStorage) blitLayer(tex *arrayTexture, src, dst int) error {
	var prevRead, prevDraw int32
	gl.GetIntegerv(gl.READ_FRAMEBUFFER_BINDING, &prevRead)
	gl.GetIntegerv(gl.DRAW_FRAMEBUFFER_BINDING, &prevDraw)
	defer func() {
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(prevRead))
		gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, uint32(prevDraw))
	}()

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, s.readFBO)
	gl.FramebufferTextureLayer(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, tex.id, 0, int32(src))
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, s.drawFBO)
	gl.FramebufferTextureLayer(gl.DRAW_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, tex.id, 0, int32(dst))

	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("read framebuffer incomplete: 0x%x", status)
	}
	if status := gl.CheckFramebufferStatus(gl.DRAW_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("draw framebuffer incomplete: 0x%x", status)
	}

	gl.BlitFramebuffer(0, 0, tex.full, tex.full, 0, 0, tex.full, tex.full,
		gl.COLOR_BUFFER_BIT, gl.NEAREST)

	if tex.mipLevels > 1 {
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, tex.id)
		gl.GenerateMipmap(gl.TEXTURE_2D_ARRAY)
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
	}
	return nil
}

// Texture returns the texture array ID of an attachment, for renderers to
// bind. The second return is false for buffer-backed attachments.
func (s *AtlasStorage) Texture(attachment string) (uint32, bool) {
	tex, ok := s.textures[attachment]
	if !ok {
		return 0, false
	}
	return tex.id, true
}

// Buffer returns the buffer object ID and per-slot stride of an attachment.
func (s *AtlasStorage) Buffer(attachment string) (uint32, int, bool) {
	buf, ok := s.buffers[attachment]
	if !ok {
		return 0, 0, false
	}
	return buf.id, buf.stride, true
}

// Destroy releases all OpenGL resources.
func (s *AtlasStorage) Destroy() {
	for _, tex := range s.textures {
		if tex.id != 0 {
			gl.DeleteTextures(1, &tex.id)
		}
	}
	for _, buf := range s.buffers {
		if buf.id != 0 {
			gl.DeleteBuffers(1, &buf.id)
		}
	}
	s.textures = make(map[string]*arrayTexture)
	s.buffers = make(map[string]*slotBuffer)

	if s.readFBO != 0 {
		gl.DeleteFramebuffers(1, &s.readFBO)
		s.readFBO = 0
	}
	if s.drawFBO != 0 {
		gl.DeleteFramebuffers(1, &s.drawFBO)
		s.drawFBO = 0
	}
}

// glFormat maps an attachment format onto its GL counterparts.
func glFormat(f terrain.AttachmentFormat) (internalFormat int32, pixelFormat, pixelType uint32, err error) {
	switch f {
	case terrain.FormatR8:
		return gl.R8, gl.RED, gl.UNSIGNED_BYTE, nil
	case terrain.FormatR16:
		return gl.R16, gl.RED, gl.UNSIGNED_SHORT, nil
	case terrain.FormatRG16:
		return gl.RG16, gl.RG, gl.UNSIGNED_SHORT, nil
	case terrain.FormatRGBA8:
		return gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE, nil
	}
	return 0, 0, 0, fmt.Errorf("unsupported attachment format %d", f)
}
