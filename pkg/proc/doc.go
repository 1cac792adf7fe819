// Package proc is the execution-control engine: it owns the
// process/thread/module registry of every debugged process and drives the
// target through a Backend.
//
// proc implements:
//   - creating / attaching to a process and dispatching its debug events
//   - resilient memory access across partially mapped ranges
//   - breakpoint patching with cookie multiplexing
//   - instruction stepping (into, over, out, range) on top of an
//     instruction boundary cache
//
// Everything in this package must be called from a single goroutine, see
// package proxy for the worker that provides that guarantee.
package proc
