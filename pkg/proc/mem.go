package proc

import (
	"fmt"

	"github.com/go-delve/dexec/pkg/logflags"
)

// Protection is a bitmask of page permissions.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// MemoryRegion is one entry of the target's region table. Addresses that
// are not mapped are described by a region with Committed unset.
type MemoryRegion struct {
	Base      uint64
	Size      uint64
	Committed bool
	Protect   Protection
	// NoAccess marks guard and reserved pages that are mapped but never
	// accessible.
	NoAccess bool
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Size
}

// Readable reports whether the region can be copied from.
func (r MemoryRegion) Readable() bool {
	return r.Committed && r.Protect != 0 && !r.NoAccess
}

func (r MemoryRegion) String() string {
	state := "free"
	if r.Committed {
		state = "commit"
	}
	return fmt.Sprintf("%#x-%#x %s %v", r.Base, r.End(), state, r.Protect)
}

// MemoryTarget is the raw memory surface of a single process.
type MemoryTarget interface {
	// QueryRegion returns the region containing addr.
	QueryRegion(addr uint64) (MemoryRegion, error)
	// ReadRaw reads len(buf) bytes at addr, patches included.
	ReadRaw(addr uint64, buf []byte) (int, error)
	// WriteRaw writes buf at addr.
	WriteRaw(addr uint64, buf []byte) (int, error)
}

// ReadMemory reads len(buf) bytes at addr, tolerating inaccessible pages.
// It scans the region table starting at addr and copies only the
// contiguous readable prefix. The returned unreadable count is the length
// of the inaccessible run that follows, capped to what was asked for.
// A readable region after an unreadable run ends the scan: the caller can
// ask again from the next offset.
func ReadMemory(mem MemoryTarget, addr uint64, buf []byte) (read, unreadable int, err error) {
	length := uint64(len(buf))
	var lenReadable, lenUnreadable uint64
	next := addr

	for lenReadable+lenUnreadable < length && next >= addr {
		region, err := mem.QueryRegion(next)
		if err != nil {
			return 0, 0, &PartialCopyError{Addr: next, Err: err}
		}
		if end := region.End(); region.Size == 0 || (end != 0 && end <= next) {
			// a region table that does not advance would loop forever
			return 0, 0, &PartialCopyError{Addr: next, Err: fmt.Errorf("bad region %v", region)}
		}
		cur := region.End() - next

		if region.Readable() {
			if lenUnreadable > 0 {
				break
			}
			lenReadable += cur
		} else {
			lenUnreadable += cur
		}

		next = region.End()
		if next == 0 {
			break
		}
	}

	toRead := lenReadable
	if toRead > length {
		toRead = length
	}

	if toRead > 0 {
		n, err := mem.ReadRaw(addr, buf[:toRead])
		if err != nil {
			return 0, 0, fmt.Errorf("could not read %d bytes at %#x: %w", toRead, addr, err)
		}
		read = n
	}

	rest := length - uint64(read)
	if lenUnreadable > rest {
		lenUnreadable = rest
	}

	if logflags.Memory() {
		logflags.MemoryLogger().Debugf("read %#x len=%d readable=%d unreadable=%d", addr, length, read, lenUnreadable)
	}
	return read, int(lenUnreadable), nil
}

// WriteMemory writes buf at addr in one operation. There is no attempt to
// reconcile a partial write.
func WriteMemory(mem MemoryTarget, addr uint64, buf []byte) (int, error) {
	n, err := mem.WriteRaw(addr, buf)
	if err != nil {
		return n, fmt.Errorf("could not write %d bytes at %#x: %w", len(buf), addr, err)
	}
	return n, nil
}

// readUintRaw reads a pointer sized little endian integer at addr.
func readUintRaw(mem MemoryTarget, arch *Arch, addr uint64) (uint64, error) {
	buf := make([]byte, arch.PtrSize())
	n, _, err := ReadMemory(mem, addr, buf)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, InvalidAddressError{Address: addr}
	}
	return arch.ptrFromBytes(buf), nil
}
