package scanline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/scanline/camera"
	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

// fakeSession satisfies captureSession without hardware.
type fakeSession struct {
	frames chan frame.Frame
	facing camera.Facing
	torch  bool

	mu      sync.Mutex
	torchOn bool
	closed  bool
}

func newFakeSession(facing camera.Facing) *fakeSession {
	return &fakeSession{
		frames: make(chan frame.Frame, 16),
		facing: facing,
	}
}

func (s *fakeSession) Frames() <-chan frame.Frame { return s.frames }
func (s *fakeSession) Facing() camera.Facing      { return s.facing }
func (s *fakeSession) DevicePath() string         { return "/dev/fake0" }
func (s *fakeSession) Label() string              { return "Fake Camera" }
func (s *fakeSession) Dimensions() (int, int)     { return 64, 48 }
func (s *fakeSession) SupportsTorch() bool        { return s.torch }

func (s *fakeSession) SetTorch(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.torch {
		return camera.ErrFlashUnavailable
	}
	s.torchOn = on
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) torchLit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torchOn
}

func (s *fakeSession) push(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame.Frame{
		Data:      make([]byte, 64*48*3),
		Width:     64,
		Height:    48,
		Timestamp: time.Now(),
		Seq:       seq,
		TraceID:   "trace",
	}:
	default:
	}
}

// fakeEngine satisfies engine.Engine with a pluggable decode.
type fakeEngine struct {
	decode func(ctx context.Context, img *image.RGBA) (string, error)
	closed atomic.Bool
}

func (e *fakeEngine) Decode(ctx context.Context, img *image.RGBA) (string, error) {
	return e.decode(ctx, img)
}
func (e *fakeEngine) SetInversionMode(engine.InversionMode) error       { return nil }
func (e *fakeEngine) SetGrayscaleWeights(engine.GrayscaleWeights) error { return nil }
func (e *fakeEngine) Close() error                                      { e.closed.Store(true); return nil }

// testRig wires a scanner to fake camera and engine seams.
type testRig struct {
	scanner  *Scanner
	results  chan Result
	acquires atomic.Int32
	engines  atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
	nextEng  func(ctx context.Context) (engine.Engine, error)
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{results: make(chan Result, 16)}
	rig.nextEng = func(ctx context.Context) (engine.Engine, error) {
		return &fakeEngine{decode: func(context.Context, *image.RGBA) (string, error) {
			return "payload", nil
		}}, nil
	}

	s, err := New(Options{OnDecode: func(r Result) { rig.results <- r }})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.acquire = func(ctx context.Context, pref camera.Preference) (captureSession, error) {
		rig.acquires.Add(1)
		sess := newFakeSession(camera.FacingEnvironment)
		rig.mu.Lock()
		rig.sessions = append(rig.sessions, sess)
		rig.mu.Unlock()
		return sess, nil
	}
	s.newEngine = func(ctx context.Context) (engine.Engine, error) {
		rig.engines.Add(1)
		return rig.nextEng(ctx)
	}
	rig.scanner = s
	t.Cleanup(s.Destroy)
	return rig
}

func (r *testRig) session(i int) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.sessions) {
		return nil
	}
	return r.sessions[i]
}

// feedUntilResult pushes frames until a decode result lands.
func (r *testRig) feedUntilResult(t *testing.T, sess *fakeSession) Result {
	t.Helper()
	deadline := time.After(2 * time.Second)
	seq := uint64(0)
	for {
		seq++
		sess.push(seq)
		select {
		case res := <-r.results:
			return res
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no decode result before deadline")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestStartScanDecode validates the happy path: start, frame in,
// result out.
func TestStartScanDecode(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := rig.scanner.State(); got != StateActive {
		t.Fatalf("state = %v, want active", got)
	}

	res := rig.feedUntilResult(t, rig.session(0))
	if res.Text != "payload" || res.TraceID != "trace" {
		t.Errorf("result = %+v", res)
	}

	stats := rig.scanner.Stats()
	if stats.Decoded == 0 || stats.FramesScanned == 0 {
		t.Errorf("stats not counted: %+v", stats)
	}
	t.Logf("✅ decoded after %d scanned frames", stats.FramesScanned)
}

// TestPauseGraceRetainsSession validates the short resume window.
//
// Scenario:
//  1. Start, then Pause without immediate
//  2. Assert: Pause reports the session retained
//  3. Start again inside the window
//  4. Assert: no second acquisition, frames still decode
func TestPauseGraceRetainsSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if released := rig.scanner.Pause(false); released {
		t.Error("Pause(false) released the session inside the grace window")
	}
	if got := rig.scanner.State(); got != StatePaused {
		t.Errorf("state = %v, want paused", got)
	}

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if n := rig.acquires.Load(); n != 1 {
		t.Errorf("acquisitions = %d, want 1 (resume reused the session)", n)
	}
	rig.feedUntilResult(t, rig.session(0))
}

// TestPauseGraceExpires validates that an unanswered grace window
// releases the session.
func TestPauseGraceExpires(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rig.scanner.Pause(false)

	sess := rig.session(0)
	waitFor(t, "grace window expiry", sess.isClosed)
	if got := rig.scanner.State(); got != StatePaused {
		t.Errorf("state = %v, want paused (release does not change intent)", got)
	}
}

// TestPauseImmediate validates synchronous-policy release.
//
// Contract: when Pause(true) returns, the device is already closed,
// not merely scheduled to close.
func TestPauseImmediate(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if released := rig.scanner.Pause(true); !released {
		t.Error("Pause(true) should report the session released")
	}
	if !rig.session(0).isClosed() {
		t.Error("Pause(true) returned before the session was closed")
	}
}

// TestStopAndDestroy validates terminal transitions.
//
// Contract:
//   - Stop lands in inactive
//   - Destroy is terminal: Start fails with ErrDestroyed, repeated
//     Destroy is a no-op
func TestStopAndDestroy(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	rig.scanner.Stop()
	if got := rig.scanner.State(); got != StateInactive {
		t.Errorf("state after Stop = %v, want inactive", got)
	}
	waitFor(t, "session close", rig.session(0).isClosed)

	rig.scanner.Destroy()
	if got := rig.scanner.State(); got != StateDestroyed {
		t.Errorf("state after Destroy = %v, want destroyed", got)
	}
	if err := rig.scanner.Start(ctx); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start() after Destroy = %v, want ErrDestroyed", err)
	}
	rig.scanner.Destroy()
	rig.scanner.Stop()
	if released := rig.scanner.Pause(false); !released {
		t.Error("Pause() after Destroy should trivially report released")
	}
}

// TestHiddenStartDeferred validates visibility-driven acquisition.
//
// Scenario:
//  1. Hide the surface, then Start
//  2. Assert: state active, no camera opened
//  3. Show the surface
//  4. Assert: acquisition happens and frames decode
func TestHiddenStartDeferred(t *testing.T) {
	rig := newTestRig(t)

	rig.scanner.SetVisible(false)
	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatalf("Start() while hidden failed: %v", err)
	}
	if got := rig.scanner.State(); got != StateActive {
		t.Errorf("state = %v, want active (intent recorded)", got)
	}
	if n := rig.acquires.Load(); n != 0 {
		t.Fatalf("acquisitions while hidden = %d, want 0", n)
	}

	rig.scanner.SetVisible(true)
	waitFor(t, "deferred acquisition", func() bool { return rig.acquires.Load() == 1 })
	rig.feedUntilResult(t, rig.session(0))
}

// TestVisibilityPauseResume validates auto-pause on hide and
// auto-resume on show.
func TestVisibilityPauseResume(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rig.scanner.SetVisible(false)
	if got := rig.scanner.State(); got != StatePaused {
		t.Errorf("state after hide = %v, want paused", got)
	}

	rig.scanner.SetVisible(true)
	waitFor(t, "resume after show", func() bool {
		return rig.scanner.State() == StateActive
	})
}

// TestEngineUnavailableRecreates validates crash recovery of the
// decode engine.
//
// Scenario:
//  1. First engine handle fails permanently on its first decode
//  2. Assert: the handle is closed and a second one is created
//  3. Assert: decoding succeeds on the replacement
func TestEngineUnavailableRecreates(t *testing.T) {
	rig := newTestRig(t)

	dead := &fakeEngine{decode: func(context.Context, *image.RGBA) (string, error) {
		return "", &engine.EngineError{Msg: "worker unavailable", Unavailable: true}
	}}
	first := true
	rig.nextEng = func(ctx context.Context) (engine.Engine, error) {
		if first {
			first = false
			return dead, nil
		}
		return &fakeEngine{decode: func(context.Context, *image.RGBA) (string, error) {
			return "recovered", nil
		}}, nil
	}

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := rig.feedUntilResult(t, rig.session(0))
	if res.Text != "recovered" {
		t.Errorf("result = %q, want decode from the replacement engine", res.Text)
	}
	if n := rig.engines.Load(); n != 2 {
		t.Errorf("engine handles created = %d, want 2", n)
	}
	if !dead.closed.Load() {
		t.Error("failed engine handle not closed")
	}
	if stats := rig.scanner.Stats(); stats.EngineRestarts != 1 {
		t.Errorf("restarts = %d, want 1", stats.EngineRestarts)
	}
	t.Logf("✅ engine replaced after unavailable fault")
}

// TestTorchDeferredUntilStart validates recorded torch intent.
func TestTorchDeferredUntilStart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Every acquired fake supports the torch in this test.
	rig.scanner.acquire = func(ctx context.Context, pref camera.Preference) (captureSession, error) {
		rig.acquires.Add(1)
		sess := newFakeSession(camera.FacingEnvironment)
		sess.torch = true
		rig.mu.Lock()
		rig.sessions = append(rig.sessions, sess)
		rig.mu.Unlock()
		return sess, nil
	}

	if err := rig.scanner.SetTorch(ctx, true); err != nil {
		t.Fatalf("SetTorch while inactive = %v, want deferred nil", err)
	}
	if rig.scanner.TorchEnabled() {
		t.Error("torch reported lit before any stream exists")
	}

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deferred torch", rig.session(0).torchLit)
	waitFor(t, "torch state", rig.scanner.TorchEnabled)
}

// TestTorchOffRestartsStream validates the sticky-hardware policy:
// turning the torch off tears the stream down and reacquires.
func TestTorchOffRestartsStream(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.scanner.acquire = func(ctx context.Context, pref camera.Preference) (captureSession, error) {
		rig.acquires.Add(1)
		sess := newFakeSession(camera.FacingEnvironment)
		sess.torch = true
		rig.mu.Lock()
		rig.sessions = append(rig.sessions, sess)
		rig.mu.Unlock()
		return sess, nil
	}

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rig.scanner.SetTorch(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !rig.scanner.TorchEnabled() {
		t.Fatal("torch not lit on an active session")
	}

	if err := rig.scanner.SetTorch(ctx, false); err != nil {
		t.Fatalf("SetTorch(off) failed: %v", err)
	}
	if rig.scanner.TorchEnabled() {
		t.Error("torch still reported lit")
	}
	if n := rig.acquires.Load(); n != 2 {
		t.Errorf("acquisitions = %d, want 2 (stream restarted)", n)
	}
	if !rig.session(0).isClosed() {
		t.Error("old session not closed before the restart reacquired")
	}
	rig.feedUntilResult(t, rig.session(1))
}

// TestSetCameraRestart validates switching devices mid-scan.
func TestSetCameraRestart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rig.scanner.SetCamera(ctx, camera.PreferDevice("/dev/video9")); err != nil {
		t.Fatalf("SetCamera() failed: %v", err)
	}
	if n := rig.acquires.Load(); n != 2 {
		t.Errorf("acquisitions = %d, want 2", n)
	}
	if !rig.session(0).isClosed() {
		t.Error("old session not closed before the restart reacquired")
	}
	rig.feedUntilResult(t, rig.session(1))

	// Same preference again is a no-op.
	if err := rig.scanner.SetCamera(ctx, camera.PreferDevice("/dev/video9")); err != nil {
		t.Fatal(err)
	}
	if n := rig.acquires.Load(); n != 2 {
		t.Errorf("acquisitions after no-op switch = %d, want 2", n)
	}
}

// TestStaleResultSuppressed validates that a decode finishing after
// Stop never reaches the callback.
//
// Scenario:
//  1. Start and feed one frame into a decode that blocks
//  2. Stop the scanner while the decode is in flight
//  3. Release the decode with a success
//  4. Assert: no result is delivered
func TestStaleResultSuppressed(t *testing.T) {
	rig := newTestRig(t)

	began := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rig.nextEng = func(ctx context.Context) (engine.Engine, error) {
		return &fakeEngine{decode: func(context.Context, *image.RGBA) (string, error) {
			once.Do(func() { close(began) })
			<-release
			return "late", nil
		}}, nil
	}

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rig.session(0).push(1)
	<-began

	rig.scanner.Stop()
	close(release)

	select {
	case res := <-rig.results:
		t.Fatalf("stale result %q delivered after Stop", res.Text)
	case <-time.After(200 * time.Millisecond):
	}
	t.Logf("✅ late decode suppressed")
}

// TestMirroredFollowsFacing validates mirroring derivation.
func TestMirroredFollowsFacing(t *testing.T) {
	rig := newTestRig(t)

	rig.scanner.acquire = func(ctx context.Context, pref camera.Preference) (captureSession, error) {
		rig.acquires.Add(1)
		sess := newFakeSession(camera.FacingUser)
		rig.mu.Lock()
		rig.sessions = append(rig.sessions, sess)
		rig.mu.Unlock()
		return sess, nil
	}

	if rig.scanner.Mirrored() {
		t.Error("mirrored before any session")
	}
	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !rig.scanner.Mirrored() {
		t.Error("user-facing stream should be mirrored")
	}
}

// TestNewRequiresCallback validates fail-fast construction.
func TestNewRequiresCallback(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() without OnDecode should fail")
	}
}

// TestRestartSupersedesPendingStart validates that a camera switch
// landing while an earlier Start is still negotiating wins the
// scanner.
//
// Scenario:
//  1. Block the first acquisition mid-flight
//  2. SetCamera to a different device while it is pending
//  3. Release the blocked acquisition
//  4. Assert: the restart's session stays attached, the stale one is
//     closed, and frames decode on the new preference
func TestRestartSupersedesPendingStart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	type acquisition struct {
		pref camera.Preference
		sess *fakeSession
	}
	var (
		mu      sync.Mutex
		acks    []acquisition
		first   atomic.Bool
		started = make(chan struct{})
		release = make(chan struct{})
	)
	base := rig.scanner.acquire
	rig.scanner.acquire = func(ctx context.Context, pref camera.Preference) (captureSession, error) {
		if first.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		sess, err := base(ctx, pref)
		mu.Lock()
		acks = append(acks, acquisition{pref: pref, sess: sess.(*fakeSession)})
		mu.Unlock()
		return sess, err
	}

	startErr := make(chan error, 1)
	go func() { startErr <- rig.scanner.Start(ctx) }()
	<-started

	if err := rig.scanner.SetCamera(ctx, camera.PreferDevice("/dev/video9")); err != nil {
		t.Fatalf("SetCamera() failed: %v", err)
	}
	close(release)
	if err := <-startErr; err != nil {
		t.Fatalf("superseded Start() = %v, want nil", err)
	}

	mu.Lock()
	restart, stale := acks[0], acks[1]
	mu.Unlock()
	if !restart.pref.Equal(camera.PreferDevice("/dev/video9")) {
		t.Fatalf("restart acquired with preference %s", restart.pref)
	}
	if restart.sess == stale.sess {
		t.Fatal("expected two distinct sessions")
	}
	if !stale.sess.isClosed() {
		t.Error("stale acquisition's session not closed (device leak)")
	}
	rig.feedUntilResult(t, restart.sess)
	t.Logf("✅ restart owned the scanner, stale session released")
}

// TestDecodeErrorRetriesFullFrame validates the single full-frame
// retry after a failed region decode, for faults as well as misses.
func TestDecodeErrorRetriesFullFrame(t *testing.T) {
	rig := newTestRig(t)

	var calls atomic.Int32
	rig.nextEng = func(ctx context.Context) (engine.Engine, error) {
		return &fakeEngine{decode: func(_ context.Context, img *image.RGBA) (string, error) {
			calls.Add(1)
			if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
				return "", &engine.EngineError{Msg: "decoder choked on the crop"}
			}
			return "recovered", nil
		}}, nil
	}
	rig.scanner.mu.Lock()
	rig.scanner.retryWithoutRegion = true
	rig.scanner.mu.Unlock()

	if err := rig.scanner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := rig.feedUntilResult(t, rig.session(0))
	if res.Text != "recovered" {
		t.Errorf("result = %q, want %q", res.Text, "recovered")
	}
	if n := calls.Load(); n < 2 {
		t.Errorf("decode calls = %d, want at least 2 (region pass plus full-frame retry)", n)
	}
	t.Logf("✅ engine fault on the region pass retried over the full frame")
}

// TestStartWhileHiddenDefersScanning validates that starting with the
// surface hidden never scans, even with a session retained by the
// pause grace window.
//
// Scenario:
//  1. Start, then hide the surface (grace keeps the session)
//  2. Start again while hidden
//  3. Assert: frames produce no decode
//  4. Show the surface
//  5. Assert: scanning resumes
func TestStartWhileHiddenDefersScanning(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	rig.feedUntilResult(t, rig.session(0))
	rig.scanner.SetVisible(false)

	// Results decoded before the hide may still be queued.
	for drained := false; !drained; {
		select {
		case <-rig.results:
		default:
			drained = true
		}
	}

	if err := rig.scanner.Start(ctx); err != nil {
		t.Fatalf("Start() while hidden failed: %v", err)
	}
	if got := rig.scanner.State(); got != StateActive {
		t.Errorf("state = %v, want active (intent recorded)", got)
	}

	deadline := time.After(100 * time.Millisecond)
	seq := uint64(100)
feed:
	for {
		seq++
		rig.session(0).push(seq)
		select {
		case res := <-rig.results:
			t.Fatalf("decoded %q while the surface was hidden", res.Text)
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			break feed
		}
	}

	rig.scanner.SetVisible(true)
	sess := rig.session(int(rig.acquires.Load()) - 1)
	rig.feedUntilResult(t, sess)
	t.Logf("✅ hidden restart deferred until the surface returned")
}
