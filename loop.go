package scanline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

type scannerStats struct {
	framesScanned  atomic.Uint64
	decoded        atomic.Uint64
	notFound       atomic.Uint64
	engineErrors   atomic.Uint64
	engineRestarts atomic.Uint64
}

// loop is one scan loop generation. It blocks on the mailbox for the
// next frame, decodes it, and re-arms. Frame arrival is the pacing
// signal: a paused or hidden stream publishes nothing and the loop
// sits idle. The loop exits when the mailbox ends or its generation
// goes stale.
func (s *Scanner) loop(gen uint64, src *frame.LiveSource) {
	raster := &frame.Raster{}
	for {
		f := src.Await()
		if f == nil {
			return
		}
		if !s.current(gen) {
			return
		}
		s.scanFrame(gen, raster, f)
	}
}

// current reports whether gen is still the live loop generation.
func (s *Scanner) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == StateActive
}

// scanFrame decodes one frame and settles the outcome through the
// callbacks. Results are suppressed, not the decode itself, when the
// generation went stale mid-decode.
func (s *Scanner) scanFrame(gen uint64, raster *frame.Raster, f *frame.Frame) {
	s.mu.Lock()
	region := s.region
	retry := s.retryWithoutRegion
	s.mu.Unlock()
	if region.IsZero() {
		region = frame.DefaultScanRegion(f.Width, f.Height)
	}

	eng, err := s.ensureEngine(context.Background())
	if err != nil {
		s.stats.engineErrors.Add(1)
		s.reportError(gen, err)
		return
	}

	img := frame.Image(f)
	buf := raster.Extract(img, region)
	s.stats.framesScanned.Add(1)

	text, err := eng.Decode(context.Background(), buf)
	if err != nil && retry {
		// One retry over the whole frame, whatever the failure was.
		full := frame.ScanRegion{Width: f.Width, Height: f.Height}
		buf = raster.Extract(img, full)
		text, err = eng.Decode(context.Background(), buf)
	}

	switch {
	case err == nil:
		s.stats.decoded.Add(1)
		s.deliver(gen, Result{
			Text:      text,
			TraceID:   f.TraceID,
			Timestamp: f.Timestamp,
			Seq:       f.Seq,
		})
	case errors.Is(err, engine.ErrNotFound):
		s.stats.notFound.Add(1)
		s.reportError(gen, err)
	default:
		s.stats.engineErrors.Add(1)
		if engine.IsUnavailable(err) {
			s.discardEngine(eng)
		}
		s.reportError(gen, err)
	}
}

// deliver invokes OnDecode unless the generation went stale.
func (s *Scanner) deliver(gen uint64, r Result) {
	s.mu.Lock()
	cb := s.onDecode
	live := s.gen == gen && s.state == StateActive
	s.mu.Unlock()
	if !live || cb == nil {
		return
	}
	cb(r)
}

// reportError routes a decode failure. Without a custom handler,
// not-found is dropped and everything else is logged.
func (s *Scanner) reportError(gen uint64, err error) {
	s.mu.Lock()
	cb := s.onDecodeError
	live := s.gen == gen && s.state == StateActive
	s.mu.Unlock()
	if !live {
		return
	}
	if cb != nil {
		cb(err)
		return
	}
	if errors.Is(err, engine.ErrNotFound) {
		return
	}
	slog.Warn("scanline: decode failed", "error", err)
}

// ensureEngine returns the live engine handle, creating one lazily
// after startup or after a handle was discarded.
func (s *Scanner) ensureEngine(ctx context.Context) (engine.Engine, error) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	if s.eng != nil {
		eng := s.eng
		s.mu.Unlock()
		return eng, nil
	}
	create := s.newEngine
	inversion := s.inversion
	weights := s.weights
	s.mu.Unlock()

	eng, err := create(ctx)
	if err != nil {
		return nil, err
	}
	if inversion != "" {
		_ = eng.SetInversionMode(inversion)
	}
	if weights != (engine.GrayscaleWeights{}) {
		_ = eng.SetGrayscaleWeights(weights)
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		_ = eng.Close()
		return nil, ErrDestroyed
	}
	if s.eng != nil {
		// Another path won the creation race; use theirs.
		winner := s.eng
		s.mu.Unlock()
		_ = eng.Close()
		return winner, nil
	}
	s.eng = eng
	s.mu.Unlock()
	slog.Debug("scanline: engine handle created", "native", s.native)
	return eng, nil
}

// discardEngine drops an engine handle after an unavailable fault so
// the next decode creates a fresh one.
func (s *Scanner) discardEngine(eng engine.Engine) {
	s.mu.Lock()
	if s.eng != eng {
		s.mu.Unlock()
		return
	}
	s.eng = nil
	s.mu.Unlock()
	s.stats.engineRestarts.Add(1)
	_ = eng.Close()
	slog.Warn("scanline: engine handle discarded, will recreate on next decode")
}
