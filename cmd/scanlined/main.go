package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/scanline"
	"github.com/e7canasta/scanline/camera"
	"github.com/e7canasta/scanline/config"
	"github.com/e7canasta/scanline/emit"
	"github.com/e7canasta/scanline/engine"
)

const defaultConfigPath = "config/scanline.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting scanline daemon",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	emitter := emit.NewMQTTEmitter(cfg)
	if err := emitter.Connect(); err != nil {
		slog.Error("failed to connect emitter", "error", err)
		os.Exit(1)
	}
	defer emitter.Close()

	scanner, err := scanline.New(scanline.Options{
		Preference:         cameraPreference(cfg),
		Region:             cfg.Scan.Region,
		RetryWithoutRegion: cfg.Scan.RetryWithoutRegion,
		Engine: engine.Config{
			PreferNative: cfg.Scan.PreferNative,
			WorkerPath:   cfg.Scan.WorkerPath,
		},
		OnDecode: func(r scanline.Result) {
			slog.Info("decoded", "trace_id", r.TraceID, "seq", r.Seq)
			if err := emitter.Publish(r); err != nil {
				slog.Warn("publish failed", "error", err, "trace_id", r.TraceID)
			}
		},
	})
	if err != nil {
		slog.Error("failed to create scanner", "error", err)
		os.Exit(1)
	}
	defer scanner.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mode := engine.InversionMode(cfg.Scan.InversionMode); mode != "" {
		if err := scanner.SetInversionMode(mode); err != nil {
			slog.Error("failed to set inversion mode", "error", err)
			os.Exit(1)
		}
	}
	if w := cfg.Scan.GrayscaleWeights; w != (engine.GrayscaleWeights{}) {
		if err := scanner.SetGrayscaleWeights(w); err != nil {
			slog.Error("failed to set grayscale weights", "error", err)
			os.Exit(1)
		}
	}

	if err := scanner.Start(ctx); err != nil {
		slog.Error("failed to start scanning", "error", err)
		os.Exit(1)
	}

	if cfg.Camera.Torch {
		if err := scanner.SetTorch(ctx, true); err != nil {
			slog.Warn("torch unavailable", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	scanner.Stop()
	stats := scanner.Stats()
	slog.Info("scanline daemon stopped",
		"frames_scanned", stats.FramesScanned,
		"decoded", stats.Decoded,
		"not_found", stats.NotFound,
		"engine_errors", stats.EngineErrors,
	)
}

func cameraPreference(cfg *config.Config) camera.Preference {
	if cfg.Camera.Device != "" {
		return camera.PreferDevice(cfg.Camera.Device)
	}
	if cfg.Camera.Facing != "" {
		return camera.PreferFacing(camera.Facing(cfg.Camera.Facing))
	}
	return camera.PreferFacing(camera.FacingEnvironment)
}
