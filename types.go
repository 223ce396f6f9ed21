package scanline

import (
	"errors"
	"time"

	"github.com/e7canasta/scanline/camera"
	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

// ErrDestroyed reports an operation on a scanner after Destroy.
var ErrDestroyed = errors.New("scanline: scanner destroyed")

// State is a scanner lifecycle phase.
type State int

const (
	// StateInactive means no capture and no intent to capture.
	StateInactive State = iota
	// StateActive means the scan loop is armed on a live session
	// (or acquisition is deferred until the surface becomes visible).
	StateActive
	// StatePaused means scanning stopped but resume is expected.
	StatePaused
	// StateDestroyed is terminal; every operation becomes a no-op.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Convenience aliases so most callers only import scanline.
type (
	ScanRegion       = frame.ScanRegion
	Preference       = camera.Preference
	InversionMode    = engine.InversionMode
	GrayscaleWeights = engine.GrayscaleWeights
)

// Result is one successful decode.
type Result struct {
	// Text is the decoded payload.
	Text string
	// TraceID identifies the frame the payload was read from.
	TraceID string
	// Timestamp is when the source frame was captured.
	Timestamp time.Time
	// Seq is the source frame's sequence number within its session.
	Seq uint64
}

// Options configures a Scanner. OnDecode is required; everything
// else has working defaults.
type Options struct {
	// Preference selects the camera; zero value means any camera,
	// environment-facing preferred.
	Preference camera.Preference

	// Region restricts decoding to a sub-rectangle of each frame.
	// Zero value means the default centered region.
	Region frame.ScanRegion

	// RetryWithoutRegion retries a not-found decode once over the
	// full frame when a region was in effect.
	RetryWithoutRegion bool

	// Engine configures decode engine selection.
	Engine engine.Config

	// OnDecode receives every successful decode.
	OnDecode func(Result)

	// OnDecodeError, when set, receives every failed decode
	// including not-found. When nil, not-found is dropped and other
	// failures are logged.
	OnDecodeError func(error)
}

// Stats is a point-in-time snapshot of scanner counters.
type Stats struct {
	// FramesScanned counts frames handed to the decode engine.
	FramesScanned uint64
	// Decoded counts successful decodes.
	Decoded uint64
	// NotFound counts frames with no detectable code.
	NotFound uint64
	// EngineErrors counts decode faults and timeouts.
	EngineErrors uint64
	// EngineRestarts counts engine handles discarded after an
	// unavailable fault.
	EngineRestarts uint64
	// Generation is the current scan loop generation.
	Generation uint64
}
