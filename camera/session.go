package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/scanline/frame"
)

// Session is an active capture stream plus the facing side inferred
// for it. At most one session is live per scanner instance; it is
// owned exclusively by the lifecycle controller, which is the only
// component that creates or releases it.
type Session struct {
	h      handle
	path   string
	facing Facing
	width  int
	height int

	frames chan frame.Frame

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	seq      uint64 // atomic
	produced uint64 // atomic
	dropped  uint64 // atomic
}

// newSession starts streaming on an opened handle and pumps raw
// buffers into typed frames.
func newSession(ctx context.Context, h handle, path string, facing Facing) (*Session, error) {
	width, height := h.Negotiated()

	streamCtx, cancel := context.WithCancel(context.Background())
	raw, err := h.Start(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("camera: start streaming %s: %w", path, err)
	}

	s := &Session{
		h:      h,
		path:   path,
		facing: facing,
		width:  width,
		height: height,
		frames: make(chan frame.Frame, 4),
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.pump(streamCtx, raw)

	// Honor a caller that disappeared between negotiation and here.
	select {
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	default:
	}
	return s, nil
}

// pump converts raw driver buffers into frames. Sends are
// non-blocking: a consumer that falls behind loses frames, never
// builds latency.
func (s *Session) pump(ctx context.Context, raw <-chan []byte) {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-raw:
			if !ok {
				return
			}
			f := frame.Frame{
				Data:      buf,
				Width:     s.width,
				Height:    s.height,
				Timestamp: time.Now(),
				Seq:       atomic.AddUint64(&s.seq, 1),
				TraceID:   uuid.NewString(),
			}
			select {
			case s.frames <- f:
				atomic.AddUint64(&s.produced, 1)
			case <-ctx.Done():
				return
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		}
	}
}

// Frames returns the session's frame channel. It closes when the
// session is released or the device reaches end-of-stream.
func (s *Session) Frames() <-chan frame.Frame { return s.frames }

// Facing returns the inferred facing side.
func (s *Session) Facing() Facing { return s.facing }

// DevicePath returns the negotiated device path.
func (s *Session) DevicePath() string { return s.path }

// Label returns the driver-reported device name.
func (s *Session) Label() string { return s.h.Label() }

// Dimensions returns the negotiated frame size.
func (s *Session) Dimensions() (width, height int) { return s.width, s.height }

// SupportsTorch probes the stream for an illumination control.
func (s *Session) SupportsTorch() bool {
	if s.closed.Load() {
		return false
	}
	return s.h.SupportsTorch()
}

// SetTorch switches the stream's illumination. Fails with
// ErrFlashUnavailable when the capability is missing or the session
// is already released.
func (s *Session) SetTorch(on bool) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session released", ErrFlashUnavailable)
	}
	if !s.h.SupportsTorch() {
		return fmt.Errorf("%w: device %s has no torch control", ErrFlashUnavailable, s.path)
	}
	if err := s.h.SetTorch(on); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashUnavailable, err)
	}
	return nil
}

// Produced returns how many frames reached the consumer.
func (s *Session) Produced() uint64 { return atomic.LoadUint64(&s.produced) }

// Dropped returns how many frames were shed to a slow consumer.
func (s *Session) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Close stops streaming and releases the underlying device.
// Idempotent; safe to call from any goroutine.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return s.h.Close()
}
