// scanline-worker is the out-of-process decode engine. It speaks the
// length-prefixed msgpack protocol on stdin/stdout and logs to stderr,
// so a host can supervise it like any subprocess helper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/e7canasta/scanline/engine"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("worker: ready")
	if err := serve(os.Stdin, os.Stdout); err != nil {
		slog.Error("worker: terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("worker: exiting")
}

// serve runs the request loop until close, stdin EOF, or a transport
// fault. Decode faults are reported as error replies, never by
// exiting: the host decides whether the worker is still usable.
func serve(in io.Reader, out io.Writer) error {
	native := engine.NewNative()
	defer native.Close()

	for {
		m, err := engine.ReadMessage(in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read request: %w", err)
		}

		switch m.Type {
		case engine.TypeDecode:
			if err := handleDecode(out, native, m); err != nil {
				return err
			}

		case engine.TypeInversionMode:
			var mode string
			if err := m.DecodePayload(&mode); err != nil {
				slog.Warn("worker: malformed inversion mode", "error", err)
				continue
			}
			_ = native.SetInversionMode(engine.InversionMode(mode))
			slog.Debug("worker: inversion mode set", "mode", mode)

		case engine.TypeGrayscaleWeights:
			var weights engine.GrayscaleWeights
			if err := m.DecodePayload(&weights); err != nil {
				slog.Warn("worker: malformed grayscale weights", "error", err)
				continue
			}
			_ = native.SetGrayscaleWeights(weights)
			slog.Debug("worker: grayscale weights set")

		case engine.TypeClose:
			return nil

		default:
			slog.Debug("worker: ignoring message", "type", m.Type)
		}
	}
}

// handleDecode runs one decode and writes exactly one reply. The
// returned error is transport-level only.
func handleDecode(out io.Writer, native *engine.Native, m *engine.Message) error {
	var req engine.DecodeRequest
	if err := m.DecodePayload(&req); err != nil {
		return writeError(out, fmt.Sprintf("malformed decode request: %v", err))
	}
	if req.Width <= 0 || req.Height <= 0 || len(req.Data) != req.Width*req.Height*4 {
		return writeError(out, fmt.Sprintf(
			"decode request buffer mismatch: %d bytes for %dx%d",
			len(req.Data), req.Width, req.Height))
	}

	img := &image.RGBA{
		Pix:    req.Data,
		Stride: req.Width * 4,
		Rect:   image.Rect(0, 0, req.Width, req.Height),
	}

	text, err := native.Decode(context.Background(), img)
	switch {
	case err == nil:
		return writeResult(out, &text)
	case errors.Is(err, engine.ErrNotFound):
		return writeResult(out, nil)
	default:
		return writeError(out, err.Error())
	}
}

func writeResult(out io.Writer, text *string) error {
	m, err := engine.NewMessage(engine.TypeResult, text)
	if err != nil {
		return fmt.Errorf("worker: encode result: %w", err)
	}
	return engine.WriteMessage(out, m)
}

func writeError(out io.Writer, msg string) error {
	m, err := engine.NewMessage(engine.TypeError, msg)
	if err != nil {
		return fmt.Errorf("worker: encode error reply: %w", err)
	}
	return engine.WriteMessage(out, m)
}
