// Package message defines the wire envelope exchanged over a connection:
// a fixed-width stable type key followed by the codec-serialized body.
// Keys are name hashes, not positional indices, so server and client can
// register overlapping-but-different handler sets from independently
// versioned binaries.
package message
