package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"

	// Register the decoders for the formats a static scan accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

var (
	// ErrImageLoad indicates a static input failed to load or decode.
	ErrImageLoad = errors.New("frame: image failed to load")

	// ErrUnsupportedInput indicates a static input of unrecognized kind.
	ErrUnsupportedInput = errors.New("frame: unsupported input type")
)

// Load resolves a static image-like input into a decoded surface.
//
// Accepted kinds:
//   - image.Image (returned as-is)
//   - []byte (encoded image data)
//   - io.Reader (encoded image stream)
//   - string: an http(s) URL or a local file path
//
// Temporary resources (HTTP body, opened file) are released once the
// surface is decoded. Load failures wrap ErrImageLoad; an input of a
// kind not listed above wraps ErrUnsupportedInput.
func Load(ctx context.Context, input any) (image.Image, error) {
	switch v := input.(type) {
	case image.Image:
		return v, nil
	case []byte:
		return decodeSurface(bytes.NewReader(v))
	case io.Reader:
		return decodeSurface(v)
	case string:
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return loadURL(ctx, v)
		}
		return loadFile(v)
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedInput)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
	}
}

func loadFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageLoad, path, err)
	}
	defer f.Close()
	return decodeSurface(f)
}

func loadURL(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageLoad, url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageLoad, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrImageLoad, url, resp.StatusCode)
	}
	return decodeSurface(resp.Body)
}

func decodeSurface(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	return img, nil
}
