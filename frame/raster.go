package frame

import (
	"image"

	"golang.org/x/image/draw"
)

// Raster is a reusable off-screen buffer that crops and downscales a
// scan region for the decode engine.
//
// The backing store is reallocated only when the downscale target
// actually changes; repeated extractions at a stable region size reuse
// it. Scaling is nearest-neighbour: smoothing would soften the sharp
// black/white transitions the decoder depends on.
//
// Not safe for concurrent use. The scan loop owns one Raster and
// issues decode requests serially, so no locking is needed.
type Raster struct {
	dst *image.RGBA
}

// Extract draws the region sub-rectangle of src into the raster,
// scaled to the region's downscale target, and returns the raster
// image. The returned image is reused by the next Extract call; it
// must not be retained across iterations.
func (r *Raster) Extract(src image.Image, region ScanRegion) *image.RGBA {
	b := src.Bounds()
	region = region.Resolve(b.Dx(), b.Dy())

	if r.dst == nil ||
		r.dst.Bounds().Dx() != region.DownscaledWidth ||
		r.dst.Bounds().Dy() != region.DownscaledHeight {
		r.dst = image.NewRGBA(image.Rect(0, 0, region.DownscaledWidth, region.DownscaledHeight))
	}

	srcRect := image.Rect(
		b.Min.X+region.X,
		b.Min.Y+region.Y,
		b.Min.X+region.X+region.Width,
		b.Min.Y+region.Y+region.Height,
	)

	draw.NearestNeighbor.Scale(r.dst, r.dst.Bounds(), src, srcRect, draw.Src, nil)
	return r.dst
}
