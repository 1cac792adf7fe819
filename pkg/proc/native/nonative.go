//go:build !linux || !(amd64 || 386)

package native

import "github.com/go-delve/dexec/pkg/proc"

// Supported is false when the native backend is not compiled in.
const Supported = false

// New returns ErrNativeBackendDisabled.
func New() (proc.Backend, error) {
	return nil, ErrNativeBackendDisabled
}
