package scanline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/scanline/camera"
	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

// pauseGrace is how long a non-immediate pause keeps the camera
// session alive waiting for a resume.
const pauseGrace = 300 * time.Millisecond

// captureSession is what the scanner needs from an acquired camera
// session, satisfied by *camera.Session.
type captureSession interface {
	Frames() <-chan frame.Frame
	Facing() camera.Facing
	DevicePath() string
	Label() string
	Dimensions() (width, height int)
	SupportsTorch() bool
	SetTorch(on bool) error
	Close() error
}

// acquireFunc is the camera acquisition seam, injectable in tests.
type acquireFunc func(ctx context.Context, pref camera.Preference) (captureSession, error)

// engineFunc is the engine creation seam, injectable in tests.
type engineFunc func(ctx context.Context) (engine.Engine, error)

// Scanner runs the capture-and-decode lifecycle. Create with New,
// drive with Start/Pause/Stop, release with Destroy.
//
// All methods are safe for concurrent use. The scanner owns its
// session and engine handle exclusively; state is re-checked after
// every blocking operation so a transition that landed meanwhile
// wins over stale work.
type Scanner struct {
	mu sync.Mutex

	state      State
	shouldScan bool // caller intent, survives visibility pauses
	visible    bool
	gen        uint64 // bumped on every loop start/stop; stale loops exit

	pref     camera.Preference
	session  captureSession
	source   *frame.LiveSource
	mirrored bool

	region             frame.ScanRegion
	retryWithoutRegion bool

	newEngine engineFunc
	native    bool
	eng       engine.Engine
	inversion engine.InversionMode
	weights   engine.GrayscaleWeights

	torchOn     bool
	torchIntent bool // re-armed on the next stream start

	graceTimer *time.Timer

	onDecode      func(Result)
	onDecodeError func(error)

	acquire acquireFunc

	stats scannerStats
}

// New builds an inactive scanner. Fails fast on a missing OnDecode
// callback.
func New(opts Options) (*Scanner, error) {
	if opts.OnDecode == nil {
		return nil, fmt.Errorf("scanline: OnDecode callback is required")
	}
	acquirer := camera.NewAcquirer()
	factory := engine.NewFactory(opts.Engine)
	return &Scanner{
		state:              StateInactive,
		visible:            true,
		pref:               opts.Preference,
		region:             opts.Region,
		retryWithoutRegion: opts.RetryWithoutRegion,
		newEngine:          factory.New,
		native:             factory.Native(),
		onDecode:           opts.OnDecode,
		onDecodeError:      opts.OnDecodeError,
		acquire: func(ctx context.Context, pref camera.Preference) (captureSession, error) {
			return acquirer.Acquire(ctx, pref)
		},
	}, nil
}

// State returns the current lifecycle phase.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mirrored reports whether a display surface should flip the stream
// horizontally. True only for a user-facing camera.
func (s *Scanner) Mirrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirrored
}

// Start acquires a camera (unless one is already attached or the
// surface is hidden) and arms the scan loop. Safe to call in any
// non-destroyed state; a paused scanner resumes.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.shouldScan = true

	if !s.visible {
		// Meant to be active; acquisition happens when the surface
		// becomes visible again. A session still held by a pause
		// grace window stays on its timer.
		s.state = StateActive
		s.mu.Unlock()
		slog.Debug("scanline: start deferred, surface hidden")
		return nil
	}

	if s.session != nil {
		// Session survived a pause grace window; resume on it.
		s.cancelGraceLocked()
		gen, src := s.armLoopLocked()
		s.mu.Unlock()
		go s.loop(gen, src)
		slog.Debug("scanline: resumed on retained session", "generation", gen)
		return nil
	}

	pref := s.pref
	startGen := s.gen
	s.mu.Unlock()

	sess, err := s.acquire(ctx, pref)

	s.mu.Lock()
	if s.state == StateDestroyed || !s.shouldScan || s.gen != startGen {
		// A destroy, stop, pause, or competing restart landed during
		// acquisition and owns the scanner now.
		s.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return nil
	}
	if err != nil {
		s.state = StateInactive
		s.shouldScan = false
		s.mu.Unlock()
		return fmt.Errorf("scanline: start: %w", err)
	}
	gen, src := s.attachLocked(sess)
	rearmTorch := s.torchIntent
	s.mu.Unlock()

	go s.loop(gen, src)
	if rearmTorch {
		s.applyTorchIntent(sess)
	}
	slog.Info("scanline: scanning started",
		"device", sess.DevicePath(),
		"label", sess.Label(),
		"facing", string(sess.Facing()),
		"generation", gen,
	)
	return nil
}

// Pause stops the scan loop. With immediate set the camera session is
// released synchronously; otherwise a grace window keeps it alive for
// a quick resume. Reports whether the session was released.
func (s *Scanner) Pause(immediate bool) bool {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return true
	}
	s.shouldScan = false
	released, teardown := s.pauseLocked(immediate)
	s.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	return released
}

// Stop is an immediate pause that also clears the active intent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.shouldScan = false
	_, teardown := s.pauseLocked(true)
	s.state = StateInactive
	s.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	slog.Debug("scanline: stopped")
}

// Destroy releases the session and engine and makes the scanner
// permanently inert. Idempotent.
func (s *Scanner) Destroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.shouldScan = false
	s.gen++
	s.cancelGraceLocked()
	sess, eng, src := s.session, s.eng, s.source
	s.session, s.eng, s.source = nil, nil, nil
	s.torchOn = false
	s.onDecode, s.onDecodeError = nil, nil
	s.state = StateDestroyed
	s.mu.Unlock()

	if src != nil {
		src.End()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if eng != nil {
		_ = eng.Close()
	}
	slog.Debug("scanline: destroyed")
}

// SetVisible mirrors the capture surface's visibility. Hiding pauses
// an active scanner with the grace window; showing restarts it when
// it is meant to be scanning.
func (s *Scanner) SetVisible(visible bool) {
	s.mu.Lock()
	if s.state == StateDestroyed || s.visible == visible {
		s.mu.Unlock()
		return
	}
	s.visible = visible
	if !visible {
		var teardown func()
		if s.state == StateActive {
			_, teardown = s.pauseLocked(false)
		}
		s.mu.Unlock()
		if teardown != nil {
			teardown()
		}
		return
	}
	resume := s.shouldScan
	s.mu.Unlock()

	if resume {
		if err := s.Start(context.Background()); err != nil {
			slog.Warn("scanline: restart on visibility failed", "error", err)
		}
	}
}

// SetCamera switches to a different camera preference, restarting
// the stream when the scanner is meant to be active. No-op when the
// preference is unchanged.
func (s *Scanner) SetCamera(ctx context.Context, pref camera.Preference) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.pref.Equal(pref) {
		s.mu.Unlock()
		return nil
	}
	s.pref = pref
	// A lit torch carries over to the replacement stream.
	s.torchIntent = s.torchIntent || s.torchOn
	restart := s.shouldScan
	prev := s.state
	_, teardown := s.pauseLocked(true)
	if prev == StateInactive {
		s.state = StateInactive
	}
	s.mu.Unlock()

	// The old device must be fully closed before a restart can
	// negotiate its replacement.
	if teardown != nil {
		teardown()
	}
	if !restart {
		return nil
	}
	return s.Start(ctx)
}

// SetTorch switches the camera illumination. Turning it on while not
// streaming records the intent for the next start. Turning it off
// restarts the stream, since some devices keep the LED lit until the
// stream is torn down.
func (s *Scanner) SetTorch(ctx context.Context, on bool) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}

	if on {
		s.torchIntent = true
		if s.state != StateActive || s.session == nil {
			s.mu.Unlock()
			return nil
		}
		sess := s.session
		s.mu.Unlock()

		if err := sess.SetTorch(true); err != nil {
			s.mu.Lock()
			s.torchIntent = false
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		if s.session == sess {
			s.torchOn = true
		}
		s.mu.Unlock()
		return nil
	}

	s.torchIntent = false
	if !s.torchOn || s.session == nil {
		s.torchOn = false
		s.mu.Unlock()
		return nil
	}
	sess := s.session
	s.torchOn = false
	restart := s.shouldScan
	prev := s.state
	_ = sess.SetTorch(false)
	_, teardown := s.pauseLocked(true)
	if prev == StateInactive {
		s.state = StateInactive
	}
	s.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	if !restart {
		return nil
	}
	return s.Start(ctx)
}

// TorchEnabled reports whether the torch is currently lit.
func (s *Scanner) TorchEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torchOn
}

// SetScanRegion replaces the decode region. Takes effect on the next
// frame.
func (s *Scanner) SetScanRegion(region frame.ScanRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = region
}

// SetInversionMode forwards the inversion mode to the engine and
// records it for future engine handles.
func (s *Scanner) SetInversionMode(mode engine.InversionMode) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.inversion = mode
	eng := s.eng
	s.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.SetInversionMode(mode)
}

// SetGrayscaleWeights forwards luminance weights to the engine and
// records them for future engine handles.
func (s *Scanner) SetGrayscaleWeights(w engine.GrayscaleWeights) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.weights = w
	eng := s.eng
	s.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.SetGrayscaleWeights(w)
}

// Stats returns a counter snapshot.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return Stats{
		FramesScanned:  s.stats.framesScanned.Load(),
		Decoded:        s.stats.decoded.Load(),
		NotFound:       s.stats.notFound.Load(),
		EngineErrors:   s.stats.engineErrors.Load(),
		EngineRestarts: s.stats.engineRestarts.Load(),
		Generation:     gen,
	}
}

// attachLocked adopts a freshly acquired session and arms a new loop
// generation. Caller holds s.mu.
func (s *Scanner) attachLocked(sess captureSession) (uint64, *frame.LiveSource) {
	width, height := sess.Dimensions()
	src := frame.NewLiveSource(width, height)
	s.session = sess
	s.source = src
	s.mirrored = sess.Facing() == camera.FacingUser
	go feedSource(sess, src)
	return s.armLoopLocked()
}

// armLoopLocked transitions to active and hands out a fresh loop
// generation. Caller holds s.mu.
func (s *Scanner) armLoopLocked() (uint64, *frame.LiveSource) {
	s.state = StateActive
	s.gen++
	return s.gen, s.source
}

// pauseLocked stops the loop and detaches or schedules detachment of
// the session. Reports whether the session was released, plus the
// teardown the caller must run after dropping s.mu (nil when there is
// nothing to close). The generation always moves so that any pending
// acquisition sees itself superseded. Caller holds s.mu.
func (s *Scanner) pauseLocked(immediate bool) (bool, func()) {
	s.gen++
	s.cancelGraceLocked()
	if s.state == StateInactive && s.session == nil {
		return true, nil
	}
	s.state = StatePaused
	if s.session == nil {
		return true, nil
	}
	if immediate {
		return true, s.detachSessionLocked()
	}
	gen := s.gen
	s.graceTimer = time.AfterFunc(pauseGrace, func() {
		s.mu.Lock()
		// A resume or another transition moved the generation on;
		// the retained session is theirs now.
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		teardown := s.detachSessionLocked()
		s.mu.Unlock()
		if teardown != nil {
			teardown()
		}
	})
	return false, nil
}

// detachSessionLocked detaches the current session and returns its
// teardown. The caller runs the teardown after dropping s.mu, so the
// device is closed before the release is reported and before any
// restart re-opens it. Caller holds s.mu.
func (s *Scanner) detachSessionLocked() func() {
	sess, src := s.session, s.source
	s.session, s.source = nil, nil
	s.torchOn = false
	if sess == nil {
		return nil
	}
	return func() {
		if src != nil {
			src.End()
		}
		if err := sess.Close(); err != nil {
			slog.Warn("scanline: session release failed", "error", err)
		}
	}
}

func (s *Scanner) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// applyTorchIntent re-arms a recorded torch request on a new stream.
func (s *Scanner) applyTorchIntent(sess captureSession) {
	if err := sess.SetTorch(true); err != nil {
		slog.Warn("scanline: torch re-arm failed", "device", sess.DevicePath(), "error", err)
		return
	}
	s.mu.Lock()
	if s.session == sess {
		s.torchOn = true
	}
	s.mu.Unlock()
}

// feedSource pumps a session's frames into the latest-frame mailbox
// and marks it ended when the stream closes.
func feedSource(sess captureSession, src *frame.LiveSource) {
	for f := range sess.Frames() {
		f := f
		src.Publish(&f)
	}
	src.End()
}
