//go:build linux && (amd64 || 386)

package native

import (
	"sort"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dexec/pkg/proc"
)

// memory is the proc.MemoryTarget of a traced process.
type memory struct {
	b *Backend
	p *process
}

func (m *memory) QueryRegion(addr uint64) (proc.MemoryRegion, error) {
	maps, err := readMaps(m.p.pid)
	if err != nil {
		return proc.MemoryRegion{}, err
	}
	return regionAt(maps, addr), nil
}

// ReadRaw reads with process_vm_readv and falls back to PTRACE_PEEKDATA
// for pages the kernel refuses to copy that way.
func (m *memory) ReadRaw(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(m.p.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	m.b.execPtraceFunc(func() { n, err = sys.PtracePeekData(m.p.ptraceTid(), uintptr(addr), buf) })
	if err != nil {
		return n, &proc.InvalidAddressError{Address: addr}
	}
	return n, nil
}

func (m *memory) WriteRaw(addr uint64, buf []byte) (written int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	m.b.execPtraceFunc(func() { written, err = sys.PtracePokeData(m.p.ptraceTid(), uintptr(addr), buf) })
	if err != nil {
		return written, &proc.InvalidAddressError{Address: addr}
	}
	return written, nil
}

func readMaps(pid int) ([]*procfs.ProcMap, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].StartAddr < maps[j].StartAddr })
	return maps, nil
}

// regionAt describes the region of maps that contains addr. Addresses
// outside of every mapping belong to a free region that runs up to the
// next mapping. maps must be sorted.
func regionAt(maps []*procfs.ProcMap, addr uint64) proc.MemoryRegion {
	for _, m := range maps {
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		if addr < start {
			return proc.MemoryRegion{Base: addr, Size: start - addr}
		}
		if addr < end {
			r := proc.MemoryRegion{Base: start, Size: end - start, Committed: true}
			if m.Perms != nil {
				if m.Perms.Read {
					r.Protect |= proc.ProtRead
				}
				if m.Perms.Write {
					r.Protect |= proc.ProtWrite
				}
				if m.Perms.Execute {
					r.Protect |= proc.ProtExec
				}
			}
			r.NoAccess = r.Protect == 0
			return r
		}
	}
	size := ^uint64(0) - addr
	if addr != 0 {
		size++
	}
	return proc.MemoryRegion{Base: addr, Size: size}
}
