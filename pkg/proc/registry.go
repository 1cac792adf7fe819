package proc

import "fmt"

// Registry owns every process the engine debugs. Threads and modules are
// owned by their process and only ever referenced by id elsewhere, so a
// process leaves the engine in one step when it is removed here.
type Registry struct {
	procs map[int]*Process
	order []int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*Process)}
}

// Add registers p. A pid can only be registered once.
func (r *Registry) Add(p *Process) error {
	if _, ok := r.procs[p.pid]; ok {
		return fmt.Errorf("process %d is already being debugged", p.pid)
	}
	r.procs[p.pid] = p
	r.order = append(r.order, p.pid)
	return nil
}

// Find returns the process with the given pid.
func (r *Registry) Find(pid int) (*Process, bool) {
	p, ok := r.procs[pid]
	return p, ok
}

// Remove drops pid from the registry.
func (r *Registry) Remove(pid int) {
	if _, ok := r.procs[pid]; !ok {
		return
	}
	delete(r.procs, pid)
	for i, id := range r.order {
		if id == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Processes returns every registered process in registration order.
func (r *Registry) Processes() []*Process {
	ps := make([]*Process, 0, len(r.order))
	for _, pid := range r.order {
		ps = append(ps, r.procs[pid])
	}
	return ps
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	return len(r.order)
}
