package proc

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegion struct {
	MemoryRegion
	data []byte
}

// fakeMemory is a MemoryTarget made of explicit regions. Addresses that
// no region covers are free.
type fakeMemory struct {
	regions  []*fakeRegion
	queryErr error
	writes   int
}

func newFakeMemory(regions ...MemoryRegion) *fakeMemory {
	m := &fakeMemory{}
	for _, r := range regions {
		m.regions = append(m.regions, &fakeRegion{MemoryRegion: r, data: make([]byte, r.Size)})
	}
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return m
}

func readable(base, size uint64) MemoryRegion {
	return MemoryRegion{Base: base, Size: size, Committed: true, Protect: ProtRead | ProtExec}
}

func (m *fakeMemory) find(addr uint64) *fakeRegion {
	for _, r := range m.regions {
		if addr >= r.Base && addr-r.Base < r.Size {
			return r
		}
	}
	return nil
}

func (m *fakeMemory) QueryRegion(addr uint64) (MemoryRegion, error) {
	if m.queryErr != nil {
		return MemoryRegion{}, m.queryErr
	}
	if r := m.find(addr); r != nil {
		return r.MemoryRegion, nil
	}
	var next uint64
	for _, r := range m.regions {
		if r.Base > addr {
			next = r.Base
			break
		}
	}
	return MemoryRegion{Base: addr, Size: next - addr}, nil
}

func (m *fakeMemory) ReadRaw(addr uint64, buf []byte) (int, error) {
	for i := range buf {
		r := m.find(addr + uint64(i))
		if r == nil || !r.Readable() {
			return i, InvalidAddressError{Address: addr + uint64(i)}
		}
		buf[i] = r.data[addr+uint64(i)-r.Base]
	}
	return len(buf), nil
}

func (m *fakeMemory) WriteRaw(addr uint64, buf []byte) (int, error) {
	m.writes++
	for i, b := range buf {
		r := m.find(addr + uint64(i))
		if r == nil || !r.Committed {
			return i, InvalidAddressError{Address: addr + uint64(i)}
		}
		r.data[addr+uint64(i)-r.Base] = b
	}
	return len(buf), nil
}

// poke writes directly into the backing store.
func (m *fakeMemory) poke(addr uint64, b ...byte) {
	for i, v := range b {
		r := m.find(addr + uint64(i))
		r.data[addr+uint64(i)-r.Base] = v
	}
}

func TestReadMemoryReadable(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x2000))
	mem.poke(0x1800, 1, 2, 3)

	buf := make([]byte, 0x100)
	read, unreadable, err := ReadMemory(mem, 0x1800, buf)
	require.NoError(t, err)
	assert.Equal(t, 0x100, read)
	assert.Equal(t, 0, unreadable)
	assert.Equal(t, []byte{1, 2, 3}, buf[:3])
}

func TestReadMemoryAcrossRegions(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x1000), readable(0x2000, 0x1000))
	read, unreadable, err := ReadMemory(mem, 0x1f00, make([]byte, 0x200))
	require.NoError(t, err)
	assert.Equal(t, 0x200, read)
	assert.Equal(t, 0, unreadable)
}

func TestReadMemoryStopsAtGap(t *testing.T) {
	// readable, free, readable: only the first run is copied, the scan
	// does not skip over the gap
	mem := newFakeMemory(readable(0x1000, 0x1000), readable(0x3000, 0x1000))
	read, unreadable, err := ReadMemory(mem, 0x1f00, make([]byte, 0x2000))
	require.NoError(t, err)
	assert.Equal(t, 0x100, read)
	assert.Equal(t, 0x1000, unreadable)
}

func TestReadMemoryUnreadablePrefix(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x1000), readable(0x3000, 0x1000))

	read, unreadable, err := ReadMemory(mem, 0x2800, make([]byte, 0x1000))
	require.NoError(t, err)
	assert.Equal(t, 0, read)
	assert.Equal(t, 0x800, unreadable)

	read, unreadable, err = ReadMemory(mem, 0x2000, make([]byte, 0x10))
	require.NoError(t, err)
	assert.Equal(t, 0, read)
	assert.Equal(t, 0x10, unreadable, "unreadable count is capped to the request")
}

func TestReadMemoryGuardAndReserved(t *testing.T) {
	guard := readable(0x2000, 0x1000)
	guard.NoAccess = true
	reserved := MemoryRegion{Base: 0x3000, Size: 0x1000, Protect: ProtRead}
	mem := newFakeMemory(readable(0x1000, 0x1000), guard, reserved)

	read, unreadable, err := ReadMemory(mem, 0x1ff0, make([]byte, 0x1000))
	require.NoError(t, err)
	assert.Equal(t, 0x10, read)
	assert.Equal(t, 0xff0, unreadable)
}

func TestReadMemoryTopOfAddressSpace(t *testing.T) {
	top := readable(^uint64(0)-0xfff, 0x1000)
	mem := newFakeMemory(top)
	read, unreadable, err := ReadMemory(mem, ^uint64(0)-0xff, make([]byte, 0x200))
	require.NoError(t, err)
	assert.Equal(t, 0x100, read)
	assert.Equal(t, 0, unreadable)
}

func TestReadMemoryQueryFailure(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x1000))
	mem.queryErr = errors.New("no such process")

	_, _, err := ReadMemory(mem, 0x1000, make([]byte, 8))
	var pce *PartialCopyError
	require.ErrorAs(t, err, &pce)
	assert.Equal(t, uint64(0x1000), pce.Addr)
}

func TestWriteMemory(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x1000))
	n, err := WriteMemory(mem, 0x1010, []byte{0xaa, 0xbb})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 2)
	_, _, err = ReadMemory(mem, 0x1010, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, buf)

	_, err = WriteMemory(mem, 0x5000, []byte{1})
	assert.Error(t, err)
}

func TestReadUintRaw(t *testing.T) {
	mem := newFakeMemory(readable(0x1000, 0x1000))
	mem.poke(0x1008, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11)
	v, err := readUintRaw(mem, AMD64Arch(), 0x1008)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	_, err = readUintRaw(mem, AMD64Arch(), 0x1ffc)
	assert.Error(t, err)
}
