// Package engine invokes an opaque QR decode engine against a pixel
// buffer, under a hard timeout, and classifies the outcome.
//
// Two engine variants implement the same contract:
//
//   - Native runs the detector in-process (gozxing)
//   - Worker drives an out-of-process helper over a length-prefixed
//     msgpack protocol on stdin/stdout
//
// Which one a scanner uses is decided once per instance by a
// capability probe (NewFactory); the handle is replaceable, so a
// permanently failed engine can be discarded and re-created lazily on
// the next decode.
//
// Outcomes follow a strict taxonomy: a payload, ErrNotFound (the
// decode ran and found no code), or *EngineError (engine fault or the
// timeout firing first).
package engine
