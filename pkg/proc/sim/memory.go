package sim

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-delve/dexec/pkg/proc"
)

// PageSize is the granularity of simulated mappings.
const PageSize = 0x1000

func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Region is a mapping of a simulated address space.
type Region struct {
	Base uint64
	Size uint64
	Prot proc.Protection
	// Reserved regions are part of the region table but not committed.
	Reserved bool
	// NoAccess regions are committed guard pages.
	NoAccess bool
	// Data is the initial content, zero filled up to Size.
	Data []byte
}

type mapping struct {
	Region
	data []byte
}

func (m *mapping) end() uint64 { return m.Base + m.Size }

func (m *mapping) readable() bool {
	return !m.Reserved && !m.NoAccess && m.Prot != 0
}

// Memory is the address space of a simulated process. It implements
// proc.MemoryTarget.
type Memory struct {
	maps []*mapping
}

var _ proc.MemoryTarget = (*Memory)(nil)

func newMemory() *Memory {
	return &Memory{}
}

// Map adds r to the address space.
func (mem *Memory) Map(r Region) error {
	if r.Size == 0 {
		r.Size = pageAlign(uint64(len(r.Data)))
	}
	if r.Size == 0 || r.Base+r.Size < r.Base {
		return fmt.Errorf("bad region %#x+%#x", r.Base, r.Size)
	}
	for _, m := range mem.maps {
		if r.Base < m.end() && m.Base < r.Base+r.Size {
			return fmt.Errorf("region %#x+%#x overlaps %#x+%#x", r.Base, r.Size, m.Base, m.Size)
		}
	}
	m := &mapping{Region: r, data: make([]byte, r.Size)}
	copy(m.data, r.Data)
	m.Region.Data = nil
	mem.maps = append(mem.maps, m)
	sort.Slice(mem.maps, func(i, j int) bool { return mem.maps[i].Base < mem.maps[j].Base })
	return nil
}

// Unmap removes the mapping starting at base.
func (mem *Memory) Unmap(base uint64) bool {
	for i, m := range mem.maps {
		if m.Base == base {
			mem.maps = append(mem.maps[:i], mem.maps[i+1:]...)
			return true
		}
	}
	return false
}

func (mem *Memory) find(addr uint64) *mapping {
	i := sort.Search(len(mem.maps), func(i int) bool { return mem.maps[i].end() > addr })
	if i < len(mem.maps) && mem.maps[i].Base <= addr {
		return mem.maps[i]
	}
	return nil
}

// QueryRegion returns the mapping containing addr, or the free range
// between addr and the next mapping.
func (mem *Memory) QueryRegion(addr uint64) (proc.MemoryRegion, error) {
	if m := mem.find(addr); m != nil {
		return proc.MemoryRegion{
			Base:      m.Base,
			Size:      m.Size,
			Committed: !m.Reserved,
			Protect:   m.Prot,
			NoAccess:  m.NoAccess,
		}, nil
	}
	var next uint64
	for _, m := range mem.maps {
		if m.Base > addr {
			next = m.Base
			break
		}
	}
	// next == 0 makes the free range run to the end of the address space
	return proc.MemoryRegion{Base: addr, Size: next - addr}, nil
}

// access walks [addr, addr+n) and calls fn for each mapping piece. Every
// byte must be mapped and pass check.
func (mem *Memory) access(addr uint64, n int, check func(*mapping) bool, fn func(m *mapping, off uint64, dst []byte), buf []byte) (int, error) {
	done := 0
	for done < n {
		a := addr + uint64(done)
		m := mem.find(a)
		if m == nil || !check(m) {
			return done, proc.InvalidAddressError{Address: a}
		}
		off := a - m.Base
		l := int(m.Size - off)
		if l > n-done {
			l = n - done
		}
		fn(m, off, buf[done:done+l])
		done += l
	}
	return done, nil
}

// ReadRaw copies len(buf) bytes at addr. The whole range must be
// readable.
func (mem *Memory) ReadRaw(addr uint64, buf []byte) (int, error) {
	return mem.access(addr, len(buf), (*mapping).readable, func(m *mapping, off uint64, dst []byte) {
		copy(dst, m.data[off:])
	}, buf)
}

// WriteRaw writes buf at addr. Like ptrace, it ignores write protection
// but can not write to reserved or guard pages.
func (mem *Memory) WriteRaw(addr uint64, buf []byte) (int, error) {
	return mem.access(addr, len(buf), func(m *mapping) bool {
		return !m.Reserved && !m.NoAccess
	}, func(m *mapping, off uint64, src []byte) {
		copy(m.data[off:], src)
	}, buf)
}

func (mem *Memory) fetch(addr uint64, buf []byte) (int, error) {
	return mem.access(addr, len(buf), func(m *mapping) bool {
		return m.readable() && m.Prot&proc.ProtExec != 0
	}, func(m *mapping, off uint64, dst []byte) {
		copy(dst, m.data[off:])
	}, buf)
}

func (mem *Memory) load64(addr uint64) (uint64, bool) {
	var b [8]byte
	if _, err := mem.ReadRaw(addr, b[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func (mem *Memory) store64(addr, v uint64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := mem.access(addr, 8, func(m *mapping) bool {
		return m.readable() && m.Prot&proc.ProtWrite != 0
	}, func(m *mapping, off uint64, src []byte) {
		copy(m.data[off:], src)
	}, b[:])
	return err == nil
}
