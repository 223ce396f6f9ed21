package engine

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// stopTimeout bounds how long Close waits for the helper process
// before force-killing it.
const stopTimeout = 2 * time.Second

// Worker is the out-of-process engine variant. It spawns a helper
// binary and exchanges length-prefixed msgpack messages over the
// process's stdin/stdout.
//
// Requests are strictly serialized: one decode in flight, the next
// caller waits. The pixel buffer travels by reference into the request
// message; the caller must not touch it until Decode returns.
type Worker struct {
	path    string
	timeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// results receives qrResult/error messages from the read loop.
	// Capacity 1: a late response to a timed-out request parks here
	// and is drained before the next request, never settling twice.
	results chan *Message

	reqMu   sync.Mutex // serializes decode requests
	writeMu sync.Mutex // serializes stdin writes (decode + control)

	died   chan struct{} // closed by waitProcess when the helper exits
	dead   atomic.Bool
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewWorker spawns the helper binary and starts its I/O goroutines.
func NewWorker(ctx context.Context, path string) (*Worker, error) {
	w := &Worker{
		path:    path,
		timeout: DecodeTimeout,
		results: make(chan *Message, 1),
		died:    make(chan struct{}),
	}

	w.cmd = exec.Command(path)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	w.stdin = stdin

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	w.stdout = stdout

	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}
	w.stderr = stderr

	if err := w.cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start worker %q: %w", path, err)
	}

	slog.Info("engine: worker spawned", "path", path, "pid", w.cmd.Process.Pid)

	w.wg.Add(3)
	go w.readLoop()
	go w.logStderr()
	go w.waitProcess()

	// Honor a caller that gave up during spawn.
	select {
	case <-ctx.Done():
		_ = w.Close()
		return nil, fmt.Errorf("engine: worker spawn cancelled: %w", ctx.Err())
	default:
	}

	return w, nil
}

// Decode sends a decode request and awaits exactly one matching
// response, bounded by the hard decode timeout.
func (w *Worker) Decode(ctx context.Context, img *image.RGBA) (string, error) {
	w.reqMu.Lock()
	defer w.reqMu.Unlock()

	if w.dead.Load() {
		return "", &EngineError{Msg: "worker process not running", Unavailable: true}
	}

	// Drain a late response from a previous timed-out request so it
	// cannot be mistaken for this request's answer.
	select {
	case <-w.results:
	default:
	}

	req, err := NewMessage(TypeDecode, &DecodeRequest{
		Data:   img.Pix,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	})
	if err != nil {
		return "", &EngineError{Msg: "build decode request", Err: err}
	}

	if err := w.write(req); err != nil {
		w.dead.Store(true)
		return "", &EngineError{Msg: "send decode request", Err: err, Unavailable: true}
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case m := <-w.results:
		return w.settle(m)
	case <-timer.C:
		return "", &EngineError{Timeout: true}
	case <-w.died:
		return "", &EngineError{Msg: "worker process exited mid-request", Unavailable: true}
	case <-ctx.Done():
		return "", &EngineError{Msg: "decode cancelled", Err: ctx.Err()}
	}
}

// settle maps a response message onto the decode outcome taxonomy.
func (w *Worker) settle(m *Message) (string, error) {
	switch m.Type {
	case TypeResult:
		var payload *string
		if err := m.DecodePayload(&payload); err != nil {
			return "", &EngineError{Msg: "malformed result", Err: err}
		}
		if payload == nil {
			return "", ErrNotFound
		}
		return *payload, nil

	case TypeError:
		var msg string
		if err := m.DecodePayload(&msg); err != nil {
			msg = "unreadable worker error"
		}
		return "", &EngineError{Msg: msg, Unavailable: isServiceUnavailable(msg)}

	default:
		return "", &EngineError{Msg: fmt.Sprintf("unexpected response type %q", m.Type)}
	}
}

// SetInversionMode forwards the mode as a control message.
func (w *Worker) SetInversionMode(mode InversionMode) error {
	m, err := NewMessage(TypeInversionMode, string(mode))
	if err != nil {
		return err
	}
	return w.write(m)
}

// SetGrayscaleWeights forwards the weights as a control message.
func (w *Worker) SetGrayscaleWeights(weights GrayscaleWeights) error {
	m, err := NewMessage(TypeGrayscaleWeights, &weights)
	if err != nil {
		return err
	}
	return w.write(m)
}

// Close signals the worker to release its resources and exit,
// force-killing it if it does not comply in time. Idempotent.
func (w *Worker) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	// Best effort: the helper exits on close or on stdin EOF.
	if m, err := NewMessage(TypeClose, nil); err == nil {
		_ = w.write(m)
	}
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("engine: worker stopped cleanly", "path", w.path)
	case <-time.After(stopTimeout):
		slog.Warn("engine: worker stop timeout, force killing", "path", w.path)
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
	return nil
}

// write frames one message onto stdin, guarded against a hung helper.
func (w *Worker) write(m *Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteMessage(w.stdin, m)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(stopTimeout):
		return fmt.Errorf("engine: stdin write timeout (worker may be hung)")
	case <-w.died:
		return fmt.Errorf("engine: worker process exited during write")
	}
}

// readLoop consumes worker stdout. Responses go to the results slot;
// any other message type is not a response to an outstanding request
// and is ignored.
func (w *Worker) readLoop() {
	defer w.wg.Done()

	for {
		m, err := ReadMessage(w.stdout)
		if err != nil {
			if err != io.EOF && !w.closed.Load() {
				slog.Error("engine: worker stdout read failed", "path", w.path, "error", err)
			}
			w.dead.Store(true)
			return
		}

		switch m.Type {
		case TypeResult, TypeError:
			select {
			case w.results <- m:
			default:
				// A response nobody is waiting for; the pending slot
				// already holds one. Drop it.
				slog.Debug("engine: discarding surplus worker response", "type", m.Type)
			}
		default:
			slog.Debug("engine: ignoring worker message", "type", m.Type)
		}
	}
}

// logStderr forwards helper diagnostics into the host log.
func (w *Worker) logStderr() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") {
			slog.Error("engine: worker log", "log", line)
		} else {
			slog.Debug("engine: worker log", "log", line)
		}
	}
}

// waitProcess reaps the helper process and flags the handle dead.
func (w *Worker) waitProcess() {
	defer w.wg.Done()

	err := w.cmd.Wait()
	w.dead.Store(true)
	close(w.died)

	if w.closed.Load() {
		slog.Debug("engine: worker exited", "path", w.path)
		return
	}
	if err != nil {
		slog.Error("engine: worker exited unexpectedly", "path", w.path, "error", err)
	} else {
		slog.Warn("engine: worker exited without close", "path", w.path)
	}
}

// isServiceUnavailable classifies a worker fault message as a
// permanent engine death.
func isServiceUnavailable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"service unavailable", "unavailable", "shutting down"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
