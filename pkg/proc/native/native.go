// Package native implements proc.Backend on top of the ptrace(2) interface
// of the Linux kernel.
//
// Linux has no native notion of a debug event that must be acknowledged:
// the backend builds one by stopping every thread of a process whenever
// one of them reports a wait status, and keeping them stopped until the
// engine calls ContinueEvent. Module loads are found by comparing the
// file backed mappings of /proc/<pid>/maps at every stop.
package native

import "errors"

// ErrNativeBackendDisabled is returned by New on platforms without a
// native backend.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")
