package frame

// defaultDownscale is the edge length handed to the decode engine for
// auto-computed regions. QR finder patterns survive 400px comfortably
// while keeping the per-frame decode cost flat across camera
// resolutions.
const defaultDownscale = 400

// ScanRegion is a sub-rectangle of a source frame plus an optional
// downscale target describing the resolution actually handed to the
// decode engine.
//
// All fields are optional. Absent Width/Height default to the full
// source dimensions, absent downscale dimensions default to the
// region's own dimensions (see Resolve).
type ScanRegion struct {
	X                int `yaml:"x"`
	Y                int `yaml:"y"`
	Width            int `yaml:"width"`
	Height           int `yaml:"height"`
	DownscaledWidth  int `yaml:"downscaled_width"`
	DownscaledHeight int `yaml:"downscaled_height"`
}

// IsZero reports whether no field of the region has been set.
func (r ScanRegion) IsZero() bool {
	return r == ScanRegion{}
}

// Resolve fills the optional fields of the region against concrete
// source dimensions. Called whenever source dimensions become known or
// change.
func (r ScanRegion) Resolve(srcWidth, srcHeight int) ScanRegion {
	out := r
	if out.Width == 0 {
		out.Width = srcWidth - out.X
	}
	if out.Height == 0 {
		out.Height = srcHeight - out.Y
	}
	if out.DownscaledWidth == 0 {
		out.DownscaledWidth = out.Width
	}
	if out.DownscaledHeight == 0 {
		out.DownscaledHeight = out.Height
	}
	return out
}

// DefaultScanRegion returns the region used when the caller supplies
// none: a centered square covering two thirds of the smaller source
// dimension, downscaled to a fixed decode size.
func DefaultScanRegion(srcWidth, srcHeight int) ScanRegion {
	smaller := srcWidth
	if srcHeight < smaller {
		smaller = srcHeight
	}
	edge := smaller * 2 / 3
	return ScanRegion{
		X:                (srcWidth - edge) / 2,
		Y:                (srcHeight - edge) / 2,
		Width:            edge,
		Height:           edge,
		DownscaledWidth:  defaultDownscale,
		DownscaledHeight: defaultDownscale,
	}
}
