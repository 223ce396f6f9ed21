package scanline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

// ImageOptions configures a one-shot decode.
type ImageOptions struct {
	// Region restricts decoding to a sub-rectangle. Zero means the
	// whole image.
	Region frame.ScanRegion

	// RetryWithoutRegion retries a not-found decode once over the
	// full image when a region was in effect.
	RetryWithoutRegion bool

	// Engine configures decode engine selection.
	Engine engine.Config

	// InversionMode and GrayscaleWeights apply before decoding.
	InversionMode    engine.InversionMode
	GrayscaleWeights engine.GrayscaleWeights
}

// ScanImage decodes a single still input without a camera or a
// scanner. Input may be an image.Image, raw encoded bytes, an
// io.Reader, a file path, or an http(s) URL. The engine handle lives
// only for the call.
func ScanImage(ctx context.Context, input any, opts ImageOptions) (Result, error) {
	img, err := frame.Load(ctx, input)
	if err != nil {
		return Result{}, err
	}

	eng, err := engine.NewFactory(opts.Engine).New(ctx)
	if err != nil {
		return Result{}, err
	}
	defer eng.Close()

	if opts.InversionMode != "" {
		if err := eng.SetInversionMode(opts.InversionMode); err != nil {
			return Result{}, err
		}
	}
	if opts.GrayscaleWeights != (engine.GrayscaleWeights{}) {
		if err := eng.SetGrayscaleWeights(opts.GrayscaleWeights); err != nil {
			return Result{}, err
		}
	}

	bounds := img.Bounds()
	region := opts.Region
	if region.IsZero() {
		region = frame.ScanRegion{Width: bounds.Dx(), Height: bounds.Dy()}
	}

	raster := &frame.Raster{}
	buf := raster.Extract(img, region)
	text, err := eng.Decode(ctx, buf)
	if err != nil && opts.RetryWithoutRegion && !opts.Region.IsZero() {
		// One retry over the whole image, whatever the failure was.
		full := frame.ScanRegion{Width: bounds.Dx(), Height: bounds.Dy()}
		buf = raster.Extract(img, full)
		text, err = eng.Decode(ctx, buf)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:      text,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now(),
	}, nil
}
