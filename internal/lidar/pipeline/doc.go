// Package pipeline provides the accumulation pipeline that turns a stream
// of sensor-frame point batches into one downsampled map in a reference
// frame.
//
// This package is the composition root for a single cycle: it calls the
// geometric stages in l4perception and hands results to injected
// adapters (transform resolver, publisher, persister, cycle recorder).
// None of those adapters are imported here; they satisfy the interfaces
// declared in stages.go.
package pipeline
