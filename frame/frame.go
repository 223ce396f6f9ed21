package frame

import "time"

// Frame is a single raw video frame.
//
// Immutability contract: Data is shared by reference from capture
// through LiveSource to Raster and MUST NOT be modified after the
// frame enters a LiveSource.
type Frame struct {
	// Data contains tightly packed RGB24 pixels (3 bytes per pixel).
	Data []byte

	// Width of the frame in pixels
	Width int

	// Height of the frame in pixels
	Height int

	// Timestamp is when the frame was captured (source time)
	Timestamp time.Time

	// Seq is a monotonic sequence number assigned by the capture side
	Seq uint64

	// TraceID identifies the frame across the capture and decode stages
	TraceID string
}
