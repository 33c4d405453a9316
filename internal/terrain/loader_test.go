package terrain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pollUntilDone(t *testing.T, l AttachmentLoader, h LoadHandle) (LoadStatus, []byte, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, data, err := l.Poll(h)
		if status != LoadPending {
			return status, data, err
		}
		if time.Now().After(deadline) {
			t.Fatal("load did not finish in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDiskLoaderReadsTile(t *testing.T) {
	dir := t.TempDir()
	l := NewDiskLoader(dir)

	node := NodeID{LOD: 2, X: 3, Y: 1}
	path := l.TilePath(node, "height")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create tile directory: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("failed to write tile: %v", err)
	}

	h := l.BeginLoad(node, "height")
	status, data, err := pollUntilDone(t, l, h)
	if status != LoadReady || err != nil {
		t.Fatalf("poll = %d, %v, want ready", status, err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("payload = %x, want %x", data, want)
	}

	// The handle is retired on the first terminal poll.
	if status, _, _ := l.Poll(h); status != LoadFailed {
		t.Errorf("retired handle polled as %d, want failed", status)
	}
}

func TestDiskLoaderMissingTileFails(t *testing.T) {
	l := NewDiskLoader(t.TempDir())

	h := l.BeginLoad(Root(), "height")
	status, _, err := pollUntilDone(t, l, h)
	if status != LoadFailed {
		t.Fatalf("status = %d, want failed", status)
	}
	if err == nil {
		t.Error("expected an error for a missing tile")
	}
}

func TestDiskLoaderTilePath(t *testing.T) {
	l := NewDiskLoader("/data/terrain")

	got := l.TilePath(NodeID{LOD: 3, X: 5, Y: 2}, "albedo")
	want := filepath.Join("/data/terrain", "albedo", "3_5_2.bin")
	if got != want {
		t.Errorf("TilePath = %q, want %q", got, want)
	}
}

func TestGeneratedLoaderPayloadSize(t *testing.T) {
	cfg := testConfig(4, 2)
	l := NewGeneratedLoader(cfg, 7)

	for _, att := range cfg.Attachments {
		h := l.BeginLoad(Root(), att.Name)
		status, data, err := l.Poll(h)
		if status != LoadReady || err != nil {
			t.Fatalf("%s: poll = %d, %v, want ready", att.Name, status, err)
		}
		if len(data) != att.BytesPerNode() {
			t.Errorf("%s: payload is %d bytes, want %d", att.Name, len(data), att.BytesPerNode())
		}
	}
}

func TestGeneratedLoaderDeterministic(t *testing.T) {
	cfg := testConfig(4, 2)
	node := NodeID{LOD: 1, X: 1, Y: 0}

	first := NewGeneratedLoader(cfg, 7)
	second := NewGeneratedLoader(cfg, 7)

	_, a, _ := first.Poll(first.BeginLoad(node, HeightAttachmentName))
	_, b, _ := second.Poll(second.BeginLoad(node, HeightAttachmentName))
	if !bytes.Equal(a, b) {
		t.Error("same seed produced different tiles")
	}

	other := NewGeneratedLoader(cfg, 8)
	_, c, _ := other.Poll(other.BeginLoad(node, HeightAttachmentName))
	if bytes.Equal(a, c) {
		t.Error("different seeds produced identical tiles")
	}
}

func TestGeneratedLoaderBorderContinuity(t *testing.T) {
	cfg := testConfig(4, 2)
	l := NewGeneratedLoader(cfg, 7)

	// The right border column of a node samples the same world positions as
	// the first interior column of its eastern neighbor, so adjacent tiles
	// agree where they overlap.
	left := NodeID{LOD: 1, X: 0, Y: 0}
	right := NodeID{LOD: 1, X: 1, Y: 0}
	_, a, _ := l.Poll(l.BeginLoad(left, HeightAttachmentName))
	_, b, _ := l.Poll(l.BeginLoad(right, HeightAttachmentName))

	att, _ := cfg.Attachment(HeightAttachmentName)
	full := int(att.FullResolution())
	border := int(att.BorderSize)
	res := int(att.TextureResolution)
	texel := att.Format.TexelSize()

	// Column res+border of the left tile lies at the same world X as column
	// border of the right tile.
	for ty := 0; ty < full; ty++ {
		la := (ty*full + res + border) * texel
		rb := (ty*full + border) * texel
		if !bytes.Equal(a[la:la+texel], b[rb:rb+texel]) {
			t.Fatalf("row %d: border texel %x != neighbor interior %x", ty, a[la:la+texel], b[rb:rb+texel])
		}
	}
}

func TestGeneratedLoaderUnknownAttachmentFails(t *testing.T) {
	l := NewGeneratedLoader(testConfig(4, 2), 7)

	h := l.BeginLoad(Root(), "nope")
	status, _, err := l.Poll(h)
	if status != LoadFailed || err == nil {
		t.Errorf("poll = %d, %v, want a failure", status, err)
	}
}
