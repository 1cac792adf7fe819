package symtab

import "github.com/go-delve/dexec/pkg/proc"

// tracker forwards every notification to the wrapped callback after
// keeping the image list of the store up to date.
type tracker struct {
	proc.EventCallback
	s *Store
}

// Track returns a callback that feeds module notifications to s before
// passing them on to next.
func (s *Store) Track(next proc.EventCallback) proc.EventCallback {
	if next == nil {
		next = proc.NopEventCallback{}
	}
	return &tracker{EventCallback: next, s: s}
}

func (t *tracker) OnModuleLoad(p proc.ProcessInfo, m proc.ModuleInfo) {
	t.s.AddImage(p.Pid, m)
	t.EventCallback.OnModuleLoad(p, m)
}

func (t *tracker) OnModuleUnload(p proc.ProcessInfo, base uint64) {
	t.s.RemoveImage(p.Pid, base)
	t.EventCallback.OnModuleUnload(p, base)
}

func (t *tracker) OnProcessExit(p proc.ProcessInfo, exitCode int) {
	t.s.RemoveProcess(p.Pid)
	t.EventCallback.OnProcessExit(p, exitCode)
}
