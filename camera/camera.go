package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrCameraUnavailable reports that no device/stream could be
	// negotiated after every constraint fallback was exhausted.
	ErrCameraUnavailable = errors.New("camera: no capture device could be negotiated")

	// ErrFlashUnavailable reports an illumination request without the
	// capability or without an active stream.
	ErrFlashUnavailable = errors.New("camera: illumination not available")
)

// Facing is the physical side a camera points at.
type Facing string

const (
	// FacingUser is the front (user-facing) side
	FacingUser Facing = "user"
	// FacingEnvironment is the rear (environment-facing) side
	FacingEnvironment Facing = "environment"
	// FacingUnknown means the side could not be determined
	FacingUnknown Facing = ""
)

// Opposite returns the other side, or FacingUnknown for FacingUnknown.
func (f Facing) Opposite() Facing {
	switch f {
	case FacingUser:
		return FacingEnvironment
	case FacingEnvironment:
		return FacingUser
	default:
		return FacingUnknown
	}
}

// Preference selects a camera: either a symbolic facing side or a
// specific device path. Exactly one is active at a time.
type Preference struct {
	Facing   Facing
	DeviceID string
}

// PreferFacing selects by physical side.
func PreferFacing(f Facing) Preference { return Preference{Facing: f} }

// PreferDevice selects a specific device path, e.g. /dev/video2.
func PreferDevice(id string) Preference { return Preference{DeviceID: id} }

// Equal reports whether two preferences select the same camera.
func (p Preference) Equal(o Preference) bool { return p == o }

func (p Preference) String() string {
	if p.DeviceID != "" {
		return p.DeviceID
	}
	if p.Facing != FacingUnknown {
		return string(p.Facing)
	}
	return "any"
}

// resolutionTiers is the ordered constraint ladder, most restrictive
// (minimum frame width) to least restrictive (0 = no constraint).
// All preference-constrained tiers run before any unconstrained tier:
// a matching camera at lower resolution beats a non-matching camera
// at higher resolution.
var resolutionTiers = []int{1024, 768, 0}

// handle abstracts an opened-but-idle capture device so acquisition
// logic is testable without V4L2 hardware.
type handle interface {
	// Label is the human-readable device name reported by the driver
	Label() string
	// Negotiated returns the pixel format the driver settled on
	Negotiated() (width, height int)
	// Start begins streaming; frames stop when ctx is cancelled
	Start(ctx context.Context) (<-chan []byte, error)
	// SupportsTorch probes the illumination control
	SupportsTorch() bool
	// SetTorch switches the illumination control
	SetTorch(on bool) error
	// Close releases the device
	Close() error
}

// openFunc opens path negotiating at least minWidth pixels of frame
// width (0 = unconstrained).
type openFunc func(path string, minWidth int) (handle, error)

// listFunc enumerates candidate device paths in platform order.
type listFunc func() ([]string, error)

// labelFunc cheaply reads a device label without streaming.
type labelFunc func(path string) string

// Acquirer negotiates capture sessions. The zero value is not usable;
// use NewAcquirer.
type Acquirer struct {
	open  openFunc
	list  listFunc
	label labelFunc
}

// NewAcquirer returns an acquirer backed by the platform V4L2 stack.
func NewAcquirer() *Acquirer {
	return &Acquirer{open: openV4L2, list: listV4L2Paths, label: readV4L2Label}
}

// Acquire negotiates a capture session for the preference.
//
// Attempt order (see package doc): each resolution tier against
// preference-matching devices first, then each tier against all
// devices. Every individual failure is treated as "try next"; only
// the exhausted ladder returns ErrCameraUnavailable.
func (a *Acquirer) Acquire(ctx context.Context, pref Preference) (*Session, error) {
	paths, err := a.list()
	if err != nil || len(paths) == 0 {
		return nil, fmt.Errorf("%w: no devices enumerated", ErrCameraUnavailable)
	}

	preferred := a.preferredPaths(paths, pref)

	// Pass 1: preference-constrained tiers.
	attempts := 0
	for _, minWidth := range resolutionTiers {
		for _, path := range preferred {
			attempts++
			if sess, ok := a.attempt(ctx, path, minWidth, pref, true); ok {
				return sess, nil
			}
		}
	}

	// Pass 2: same tiers, no camera preference.
	for _, minWidth := range resolutionTiers {
		for _, path := range paths {
			attempts++
			if sess, ok := a.attempt(ctx, path, minWidth, pref, false); ok {
				return sess, nil
			}
		}
	}

	slog.Warn("camera: acquisition exhausted",
		"preference", pref.String(),
		"devices", len(paths),
		"attempts", attempts,
	)
	return nil, fmt.Errorf("%w: preference %s", ErrCameraUnavailable, pref.String())
}

// preferredPaths narrows the device list to those matching the
// preference. A device id narrows to that exact path; a facing side
// narrows by label inference. No match means the constrained pass is
// simply empty.
func (a *Acquirer) preferredPaths(paths []string, pref Preference) []string {
	if pref.DeviceID != "" {
		for _, p := range paths {
			if p == pref.DeviceID {
				return []string{p}
			}
		}
		return nil
	}
	if pref.Facing == FacingUnknown {
		return paths
	}

	var matched []string
	for _, p := range paths {
		if facingFromLabel(a.label(p)) == pref.Facing {
			matched = append(matched, p)
		}
	}
	return matched
}

// attempt negotiates one (device, tier) combination. Failures are
// swallowed so the ladder moves on.
func (a *Acquirer) attempt(ctx context.Context, path string, minWidth int, pref Preference, constrained bool) (*Session, bool) {
	h, err := a.open(path, minWidth)
	if err != nil {
		slog.Debug("camera: negotiation attempt failed",
			"device", path, "min_width", minWidth, "error", err)
		return nil, false
	}

	width, height := h.Negotiated()
	if minWidth > 0 && width < minWidth {
		// Driver settled below the tier's floor; this tier fails for
		// this device, a looser one may still take it.
		_ = h.Close()
		slog.Debug("camera: negotiated below tier floor",
			"device", path, "min_width", minWidth, "got", width)
		return nil, false
	}

	sess, err := newSession(ctx, h, path, inferFacing(h.Label(), pref, constrained))
	if err != nil {
		_ = h.Close()
		slog.Debug("camera: session start failed", "device", path, "error", err)
		return nil, false
	}

	slog.Info("camera: capture session negotiated",
		"device", path,
		"label", h.Label(),
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"min_width", minWidth,
		"facing", string(sess.Facing()),
		"preference_constrained", constrained,
	)
	return sess, true
}

// inferFacing derives the facing side of an acquired stream: the
// device label wins; an honored facing request is taken at its word;
// an unfulfillable one yields the opposite side; environment is the
// default guess.
func inferFacing(label string, pref Preference, constrained bool) Facing {
	if f := facingFromLabel(label); f != FacingUnknown {
		return f
	}
	if pref.Facing != FacingUnknown {
		if constrained {
			return pref.Facing
		}
		return pref.Facing.Opposite()
	}
	return FacingEnvironment
}
