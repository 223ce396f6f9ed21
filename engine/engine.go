package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// DecodeTimeout is the hard ceiling for a single decode attempt,
// enforced independently of the engine's own responsiveness.
const DecodeTimeout = 10 * time.Second

// ErrNotFound reports that a decode attempt ran to completion without
// finding a code. It is part of the normal scan cadence on empty
// frames and is filtered from default error handling.
var ErrNotFound = errors.New("engine: no code found")

// EngineError is an engine-reported fault or a decode timeout.
type EngineError struct {
	// Msg carries the underlying engine message
	Msg string
	// Timeout is true when the hard decode ceiling fired first
	Timeout bool
	// Unavailable is true when the engine is permanently unusable and
	// the holder should discard the handle and re-create it lazily
	Unavailable bool
	// Err is the wrapped cause, if any
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("engine: decode timed out after %s", DecodeTimeout)
	case e.Err != nil:
		return fmt.Sprintf("engine: %s: %v", e.Msg, e.Err)
	default:
		return fmt.Sprintf("engine: %s", e.Msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *EngineError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err marks the engine as permanently
// unusable (the handle must be replaced).
func IsUnavailable(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Unavailable
}

// InversionMode selects which luminance passes a decode attempt runs.
type InversionMode string

const (
	// InvertOriginal decodes dark-on-light codes only (the default)
	InvertOriginal InversionMode = "original"
	// InvertAlways decodes light-on-dark codes only
	InvertAlways InversionMode = "invert"
	// InvertBoth tries the original pass first, then the inverted one
	InvertBoth InversionMode = "both"
)

// GrayscaleWeights tune the RGB→luminance conversion ahead of
// detection. Zero value means the engine's built-in conversion.
type GrayscaleWeights struct {
	Red   float64 `msgpack:"red" yaml:"red"`
	Green float64 `msgpack:"green" yaml:"green"`
	Blue  float64 `msgpack:"blue" yaml:"blue"`
	// UseIntegerApproximation trades exactness for speed by rounding
	// the weights to a /256 fixed-point form
	UseIntegerApproximation bool `msgpack:"useIntegerApproximation" yaml:"use_integer_approximation"`
}

func (w GrayscaleWeights) isZero() bool {
	return w == GrayscaleWeights{}
}

// Engine is the decode contract shared by both variants.
//
// Decode is strictly request-per-call: implementations serialize
// concurrent callers, no pipelining. The pixel buffer is handed over
// by reference and must not be reused by the caller until Decode
// returns (immutability contract, zero-copy).
type Engine interface {
	// Decode attempts to extract a payload from the raster.
	// Returns the payload, ErrNotFound, or *EngineError.
	Decode(ctx context.Context, img *image.RGBA) (string, error)

	// SetInversionMode reconfigures the inversion passes.
	SetInversionMode(mode InversionMode) error

	// SetGrayscaleWeights reconfigures luminance conversion. Engines
	// without support treat this as a no-op.
	SetGrayscaleWeights(w GrayscaleWeights) error

	// Close releases the engine's resources. Idempotent.
	Close() error
}

// Config selects and parameterizes the engine a Factory produces.
type Config struct {
	// PreferNative asks for the in-process detector when it supports
	// the target symbology
	PreferNative bool
	// WorkerPath is the helper binary for the out-of-process engine
	// (default "scanline-worker", resolved via PATH)
	WorkerPath string
	// Symbology is the barcode family to probe for (default "qr_code")
	Symbology string
}

// Factory creates engine handles according to a capability probe.
// The probe result is computed once; handles themselves are cheap to
// re-create after an unavailable fault.
type Factory struct {
	cfg       Config
	useNative bool
}

// NewFactory probes capabilities and fixes the engine choice: the
// in-process detector is preferred only when enabled AND it
// advertises support for the target symbology; otherwise the
// out-of-process worker engine is used.
func NewFactory(cfg Config) *Factory {
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = "scanline-worker"
	}
	if cfg.Symbology == "" {
		cfg.Symbology = "qr_code"
	}
	return &Factory{
		cfg:       cfg,
		useNative: cfg.PreferNative && NativeSupports(cfg.Symbology),
	}
}

// New creates a fresh engine handle.
func (f *Factory) New(ctx context.Context) (Engine, error) {
	if f.useNative {
		return NewNative(), nil
	}
	return NewWorker(ctx, f.cfg.WorkerPath)
}

// Native reports whether the factory resolved to the in-process
// detector.
func (f *Factory) Native() bool { return f.useNative }
