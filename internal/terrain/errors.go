package terrain

import (
	"errors"
	"fmt"
)

// ErrAtlasExhausted is returned by NodeAtlas.Request when no free slot exists
// and every resident slot is still referenced by a view. The streaming driver
// retries with reduced demand next tick; it is a steady-state event under
// camera motion, never fatal.
var ErrAtlasExhausted = errors.New("node atlas exhausted")

// ErrInvalidConfig marks malformed terrain or attachment configuration.
// Surfaced at terrain creation only.
var ErrInvalidConfig = errors.New("invalid terrain configuration")

// LoadError describes a failed attachment load for a node. Load failures are
// logged and the node falls back to its nearest active ancestor.
type LoadError struct {
	Node       NodeID
	Attachment string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading attachment %q for node %s: %v", e.Attachment, e.Node, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
