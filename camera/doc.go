// Package camera negotiates a capture stream from a local video
// device given a preference (facing side or specific device), using
// ordered constraint fallback, and infers which physical side the
// resulting stream faces.
//
// Fallback order: every resolution tier (most to least restrictive)
// is first tried against preference-matching devices, then the tiers
// are retried against every device with no camera preference at all.
// Individual negotiation failures are swallowed; only exhausting every
// option raises ErrCameraUnavailable.
//
// Facing inference is label-based because drivers do not reliably
// report it: the device label is matched against known rear/front
// terms, falling back to the requested side (honored request), its
// opposite (request that could not be fulfilled), or environment.
package camera
