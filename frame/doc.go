// Package frame adapts pixel surfaces for decoding.
//
// Two kinds of surface feed the scanner:
//
//   - a live capture stream, wrapped by LiveSource: a single-slot
//     latest-frame mailbox. A decoder that falls behind sees the
//     newest frame, never a backlog.
//   - a static image-like input (image, bytes, reader, path or URL),
//     resolved once by Load
//
// The Raster type turns a ScanRegion of either surface into the
// fixed-size pixel buffer handed to the decode engine. It reuses its
// backing store across frames and scales with nearest-neighbour
// sampling: interpolation blurs module edges and hurts decoding.
package frame
