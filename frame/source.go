package frame

import (
	"image"
	"image/color"
	"sync"
	"sync/atomic"
)

// ReadyState describes how much of a live source is usable.
type ReadyState int

const (
	// ReadyNone means neither dimensions nor pixels are known yet.
	ReadyNone ReadyState = iota
	// ReadyMetadata means dimensions are known but no decodable frame
	// has arrived. Decoding at this point would read undefined pixels.
	ReadyMetadata
	// ReadyFrame means at least one frame is available.
	ReadyFrame
	// ReadyEnded means the source reached end-of-stream.
	ReadyEnded
)

// String returns a human-readable state name.
func (s ReadyState) String() string {
	switch s {
	case ReadyNone:
		return "none"
	case ReadyMetadata:
		return "metadata"
	case ReadyFrame:
		return "frame"
	case ReadyEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SourceStats is a snapshot of live-source counters.
type SourceStats struct {
	// FramesPublished is the total number of frames offered to the source
	FramesPublished uint64
	// FramesDropped counts frames overwritten before being consumed
	FramesDropped uint64
	// LastSeq is the sequence number of the most recent frame
	LastSeq uint64
}

// LiveSource is a single-slot latest-frame mailbox between a capture
// stream and the scan loop.
//
// Semantics:
//   - Publish is non-blocking: a new frame overwrites an unconsumed
//     one (drop-not-queue; the decoder always sees the newest frame)
//   - Await blocks until a frame is available or the source ends
//   - End wakes any waiter and makes further publishes no-ops
//
// Thread-safety: all methods safe for concurrent use. Await is meant
// for a single consumer (the scan loop).
type LiveSource struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest *Frame

	width  int
	height int
	seen   bool
	ended  bool

	published uint64 // atomic
	dropped   uint64 // atomic
	lastSeq   uint64 // atomic
}

// NewLiveSource creates a source whose dimensions are already known
// from stream negotiation. Pass zeros when they are not.
func NewLiveSource(width, height int) *LiveSource {
	s := &LiveSource{width: width, height: height}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish offers a frame to the source (non-blocking, overwrite policy).
// The frame's Data must not be modified afterwards.
func (s *LiveSource) Publish(f *Frame) {
	atomic.AddUint64(&s.published, 1)
	atomic.StoreUint64(&s.lastSeq, f.Seq)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.latest != nil {
		atomic.AddUint64(&s.dropped, 1)
	}
	s.latest = f
	s.width = f.Width
	s.height = f.Height
	s.seen = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Await blocks until a frame is available and consumes it.
// Returns nil once the source has ended.
func (s *LiveSource) Await() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.latest == nil && !s.ended {
		s.cond.Wait()
	}
	if s.ended {
		return nil
	}
	f := s.latest
	s.latest = nil
	return f
}

// Latest returns the unconsumed frame without consuming it, or nil.
func (s *LiveSource) Latest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// End marks the source as finished and wakes any blocked Await.
// Idempotent.
func (s *LiveSource) End() {
	s.mu.Lock()
	s.ended = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// State reports the current ready state.
func (s *LiveSource) State() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ended:
		return ReadyEnded
	case s.seen:
		return ReadyFrame
	case s.width > 0 && s.height > 0:
		return ReadyMetadata
	default:
		return ReadyNone
	}
}

// Dimensions returns the source dimensions and whether they are known.
func (s *LiveSource) Dimensions() (width, height int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.width > 0 && s.height > 0
}

// Stats returns a snapshot of the source counters.
func (s *LiveSource) Stats() SourceStats {
	return SourceStats{
		FramesPublished: atomic.LoadUint64(&s.published),
		FramesDropped:   atomic.LoadUint64(&s.dropped),
		LastSeq:         atomic.LoadUint64(&s.lastSeq),
	}
}

// rgbImage exposes a Frame's packed RGB24 bytes as an image.Image
// without copying.
type rgbImage struct {
	pix    []byte
	width  int
	height int
}

// Image wraps a frame as an image.Image view over its RGB24 data.
func Image(f *Frame) image.Image {
	return &rgbImage{pix: f.Data, width: f.Width, height: f.Height}
}

func (m *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (m *rgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.width, m.height)
}

func (m *rgbImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return color.RGBA{}
	}
	i := (y*m.width + x) * 3
	if i+2 >= len(m.pix) {
		return color.RGBA{}
	}
	return color.RGBA{R: m.pix[i], G: m.pix[i+1], B: m.pix[i+2], A: 0xFF}
}
