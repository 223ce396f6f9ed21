package engine

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// nativeSymbologies is what the in-process detector advertises.
var nativeSymbologies = map[string]bool{
	"qr_code": true,
}

// NativeSupports is the capability probe for the in-process detector.
// Absence of the symbology is treated as "not supported".
func NativeSupports(symbology string) bool {
	return nativeSymbologies[symbology]
}

// Native is the in-process detector variant, backed by gozxing.
type Native struct {
	mu        sync.Mutex
	reader    gozxing.Reader
	inversion InversionMode
	weights   GrayscaleWeights
}

// NewNative creates an in-process engine.
func NewNative() *Native {
	return &Native{
		reader:    qrcode.NewQRCodeReader(),
		inversion: InvertOriginal,
	}
}

// Decode runs detection against the raster, raced against the hard
// decode timeout. A thrown detector fault maps to *EngineError, an
// empty result to ErrNotFound.
func (n *Native) Decode(ctx context.Context, img *image.RGBA) (string, error) {
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &EngineError{Msg: fmt.Sprintf("detector panic: %v", r)}}
			}
		}()
		text, err := n.detect(img)
		ch <- outcome{text: text, err: err}
	}()

	timer := time.NewTimer(DecodeTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.text, out.err
	case <-timer.C:
		return "", &EngineError{Timeout: true}
	case <-ctx.Done():
		return "", &EngineError{Msg: "decode cancelled", Err: ctx.Err()}
	}
}

// detect runs the configured luminance passes over the raster.
func (n *Native) detect(img image.Image) (string, error) {
	n.mu.Lock()
	inversion := n.inversion
	weights := n.weights
	n.mu.Unlock()

	if !weights.isZero() {
		img = applyGrayscaleWeights(img, weights)
	}

	source := gozxing.NewLuminanceSourceFromImage(img)

	var passes []gozxing.LuminanceSource
	switch inversion {
	case InvertAlways:
		passes = []gozxing.LuminanceSource{gozxing.NewInvertedLuminanceSource(source)}
	case InvertBoth:
		passes = []gozxing.LuminanceSource{source, gozxing.NewInvertedLuminanceSource(source)}
	default:
		passes = []gozxing.LuminanceSource{source}
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}

	var lastErr error
	for _, pass := range passes {
		bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(pass))
		if err != nil {
			return "", &EngineError{Msg: "binarize raster", Err: err}
		}
		result, err := n.reader.Decode(bmp, hints)
		if err == nil {
			return result.GetText(), nil
		}
		if _, notFound := err.(gozxing.NotFoundException); notFound {
			lastErr = ErrNotFound
			continue
		}
		return "", &EngineError{Msg: "detector fault", Err: err}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrNotFound
}

// SetInversionMode reconfigures the inversion passes.
func (n *Native) SetInversionMode(mode InversionMode) error {
	n.mu.Lock()
	n.inversion = mode
	n.mu.Unlock()
	return nil
}

// SetGrayscaleWeights reconfigures luminance conversion.
func (n *Native) SetGrayscaleWeights(w GrayscaleWeights) error {
	n.mu.Lock()
	n.weights = w
	n.mu.Unlock()
	return nil
}

// Close implements Engine. The native detector holds no resources.
func (n *Native) Close() error { return nil }

// applyGrayscaleWeights converts the raster to a weighted gray image
// before detection.
func applyGrayscaleWeights(img image.Image, w GrayscaleWeights) image.Image {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	rw, gw, bw := w.Red, w.Green, w.Blue
	if w.UseIntegerApproximation {
		rw = float64(int(rw*256+0.5)) / 256
		gw = float64(int(gw*256+0.5)) / 256
		bw = float64(int(bw*256+0.5)) / 256
	}
	// Normalize so a fully white pixel stays white regardless of the
	// caller's weight scale.
	total := rw + gw + bw
	if total <= 0 {
		return img
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := (rw*float64(r>>8) + gw*float64(g>>8) + bw*float64(bl>>8)) / total
			if lum > 255 {
				lum = 255
			}
			gray.Pix[y*gray.Stride+x] = uint8(lum)
		}
	}
	return gray
}
