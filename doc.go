// Package scanline is a continuous QR capture-and-decode pipeline.
//
// A Scanner owns at most one camera session and one decode engine
// handle at a time. Its scan loop blocks on the next live frame, so a
// paused or hidden capture surface yields no frames and the loop
// suspends without polling. Decoding runs through the engine package,
// either in-process or in a scanline-worker subprocess, under a hard
// per-request timeout.
//
// All lifecycle transitions go through the Scanner's public methods;
// camera sessions and engine handles are never shared with callers.
package scanline
