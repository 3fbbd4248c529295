// Package snaptrace defines the core types, error codes, and helpers shared
// across the snaptrace engine: a block-level copy-on-write snapshot and
// incremental-change tracking core. Concrete subsystems live in
// subpackages: cowmgr (on-disk header/index/data store), tracer (per-device
// state machine), intercept (I/O interception and read/write path), worker
// (background COW and sector-set workers), and ioqueue (bounded queues).
//
// This package is the foundation the subpackages build on; it is not a
// general-purpose utility library.
package snaptrace

// Failure model
//
// Every per-device failure collapses to a single sticky fail code on the
// tracer (see tracer.Tracer.Failed). Once set, writes are forwarded
// untraced, snapshot reads return EIO, and state transitions are refused;
// destroy and info still work.
// Retryable I/O errors (see retry.go) are retried with backoff before they
// are allowed to set the fail code; non-retryable errors set it immediately.
