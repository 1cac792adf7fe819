package proc

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/go-delve/dexec/pkg/logflags"
)

// Cookie is an opaque caller supplied value that correlates a logical
// breakpoint request with a physical patch. Several cookies can share one
// address.
type Cookie uint64

// InternalCookie is the bit that marks cookies owned by the stepping
// engine. Callers can not use cookies with this bit set.
const InternalCookie Cookie = 1 << 63

// Internal returns true if c belongs to the stepping engine.
func (c Cookie) Internal() bool {
	return c&InternalCookie != 0
}

// Breakpoint represents a physical breakpoint. Stores information on the break
// point including the bytes of data that originally were stored at that
// address.
type Breakpoint struct {
	Addr    uint64   // Address breakpoint is set for.
	Cookies []Cookie // Every cookie that requested a trap at Addr.
	// OriginalData holds the bytes replaced by the breakpoint instruction.
	// It is valid as long as the breakpoint exists.
	OriginalData []byte

	// tempUnpatched is set while a thread executes the original
	// instruction to move past the breakpoint.
	tempUnpatched bool
}

// IsPatched returns true if the trap instruction is currently in memory.
func (bp *Breakpoint) IsPatched() bool {
	return !bp.tempUnpatched
}

// HasUserCookies returns true if at least one cookie was set by a caller.
func (bp *Breakpoint) HasUserCookies() bool {
	for _, c := range bp.Cookies {
		if !c.Internal() {
			return true
		}
	}
	return false
}

// UserCookies returns the cookies set by callers.
func (bp *Breakpoint) UserCookies() []Cookie {
	r := make([]Cookie, 0, len(bp.Cookies))
	for _, c := range bp.Cookies {
		if !c.Internal() {
			r = append(r, c)
		}
	}
	return r
}

func (bp *Breakpoint) hasCookie(cookie Cookie) int {
	for i, c := range bp.Cookies {
		if c == cookie {
			return i
		}
	}
	return -1
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x cookies=%d patched=%v", bp.Addr, len(bp.Cookies), bp.IsPatched())
}

// BreakpointMap is the breakpoint table of one process. A location is
// patched if and only if its cookie set is non-empty. The only exception is
// the window in which a single thread, with every other thread suspended,
// executes the original instruction (see TempUnpatch).
type BreakpointMap struct {
	M map[uint64]*Breakpoint

	mem  MemoryTarget
	arch *Arch
	log  logflags.Logger
}

// NewBreakpointMap creates a new BreakpointMap that patches mem.
func NewBreakpointMap(mem MemoryTarget, arch *Arch) *BreakpointMap {
	return &BreakpointMap{
		M:    make(map[uint64]*Breakpoint),
		mem:  mem,
		arch: arch,
		log:  logflags.BreakpointsLogger(),
	}
}

// IsBreakpoint returns true if there is a breakpoint at addr.
func (bpmap *BreakpointMap) IsBreakpoint(addr uint64) bool {
	_, ok := bpmap.M[addr]
	return ok
}

// Find returns the breakpoint at addr or nil.
func (bpmap *BreakpointMap) Find(addr uint64) *Breakpoint {
	return bpmap.M[addr]
}

// AddCookie adds cookie to the breakpoint at addr, writing the trap
// instruction if addr was not patched yet. Adding a cookie that is already
// present does nothing.
func (bpmap *BreakpointMap) AddCookie(addr uint64, cookie Cookie) error {
	if bp, ok := bpmap.M[addr]; ok {
		if bp.hasCookie(cookie) < 0 {
			bp.Cookies = append(bp.Cookies, cookie)
		}
		return nil
	}

	bp := &Breakpoint{Addr: addr, Cookies: []Cookie{cookie}}
	if err := bpmap.patch(bp); err != nil {
		return err
	}
	bpmap.M[addr] = bp
	bpmap.log.Debugf("patched %#x for cookie %#x", addr, uint64(cookie))
	return nil
}

// RemoveCookie removes cookie from the breakpoint at addr. When the last
// cookie goes the original bytes are restored.
func (bpmap *BreakpointMap) RemoveCookie(addr uint64, cookie Cookie) error {
	bp, ok := bpmap.M[addr]
	if !ok {
		return NoBreakpointError{Addr: addr, Cookie: cookie}
	}
	i := bp.hasCookie(cookie)
	if i < 0 {
		return NoBreakpointError{Addr: addr, Cookie: cookie}
	}
	if len(bp.Cookies) > 1 {
		bp.Cookies = append(bp.Cookies[:i], bp.Cookies[i+1:]...)
		return nil
	}

	if bp.IsPatched() {
		if err := bpmap.unpatch(bp); err != nil {
			return err
		}
	}
	delete(bpmap.M, addr)
	bpmap.log.Debugf("restored %#x, last cookie %#x removed", addr, uint64(cookie))
	return nil
}

// TempUnpatch restores the original instruction at bp without touching
// its cookies. TempPatch must follow once the instruction executed.
func (bpmap *BreakpointMap) TempUnpatch(bp *Breakpoint) error {
	if bp.tempUnpatched {
		return nil
	}
	if err := bpmap.unpatch(bp); err != nil {
		return err
	}
	bp.tempUnpatched = true
	return nil
}

// TempPatch writes the trap back at a breakpoint unpatched by TempUnpatch.
func (bpmap *BreakpointMap) TempPatch(bp *Breakpoint) error {
	if !bp.tempUnpatched {
		return nil
	}
	if _, err := WriteMemory(bpmap.mem, bp.Addr, bpmap.arch.BreakpointInstruction()); err != nil {
		return &BreakpointPatchError{Addr: bp.Addr, Err: err}
	}
	bp.tempUnpatched = false
	return nil
}

// RemoveAll restores every patched location and empties the table.
func (bpmap *BreakpointMap) RemoveAll() error {
	var result *multierror.Error
	for addr, bp := range bpmap.M {
		if bp.IsPatched() {
			if err := bpmap.unpatch(bp); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}
		delete(bpmap.M, addr)
	}
	return result.ErrorOrNil()
}

// Sorted returns the breakpoints ordered by address.
func (bpmap *BreakpointMap) Sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

func (bpmap *BreakpointMap) patch(bp *Breakpoint) error {
	size := bpmap.arch.BreakpointSize()
	orig := make([]byte, size)
	n, _, err := ReadMemory(bpmap.mem, bp.Addr, orig)
	if err == nil && n != size {
		err = InvalidAddressError{Address: bp.Addr}
	}
	if err != nil {
		return &BreakpointPatchError{Addr: bp.Addr, Err: err}
	}
	if _, err := WriteMemory(bpmap.mem, bp.Addr, bpmap.arch.BreakpointInstruction()); err != nil {
		return &BreakpointPatchError{Addr: bp.Addr, Err: err}
	}
	bp.OriginalData = orig
	return nil
}

func (bpmap *BreakpointMap) unpatch(bp *Breakpoint) error {
	if _, err := WriteMemory(bpmap.mem, bp.Addr, bp.OriginalData); err != nil {
		return &BreakpointPatchError{Addr: bp.Addr, Err: err}
	}
	return nil
}

// overlapping calls fn for every breakpoint whose bytes intersect
// [addr, addr+size).
func (bpmap *BreakpointMap) overlapping(addr uint64, size int, fn func(bp *Breakpoint)) {
	end := addr + uint64(size)
	for _, bp := range bpmap.M {
		bpEnd := bp.Addr + uint64(len(bp.OriginalData))
		if bp.Addr < end && bpEnd > addr {
			fn(bp)
		}
	}
}

// ReadClean reads memory like ReadMemory but replaces every breakpoint
// instruction with the original bytes it covers.
func (bpmap *BreakpointMap) ReadClean(addr uint64, buf []byte) (read, unreadable int, err error) {
	read, unreadable, err = ReadMemory(bpmap.mem, addr, buf)
	if err != nil || read == 0 {
		return read, unreadable, err
	}
	bpmap.overlapping(addr, read, func(bp *Breakpoint) {
		for i, b := range bp.OriginalData {
			a := bp.Addr + uint64(i)
			if a >= addr && a < addr+uint64(read) {
				buf[a-addr] = b
			}
		}
	})
	return read, unreadable, nil
}

// WriteClean writes buf at addr. Bytes covered by a breakpoint update the
// saved original bytes and the trap instruction stays in memory.
func (bpmap *BreakpointMap) WriteClean(addr uint64, buf []byte) (int, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	trap := bpmap.arch.BreakpointInstruction()
	type update struct {
		bp   *Breakpoint
		i    int
		data byte
	}
	var updates []update
	bpmap.overlapping(addr, len(buf), func(bp *Breakpoint) {
		for i := range bp.OriginalData {
			a := bp.Addr + uint64(i)
			if a < addr || a >= addr+uint64(len(buf)) {
				continue
			}
			updates = append(updates, update{bp, i, buf[a-addr]})
			if bp.IsPatched() {
				out[a-addr] = trap[i]
			}
		}
	})
	n, err := WriteMemory(bpmap.mem, addr, out)
	if err != nil {
		return n, err
	}
	for _, u := range updates {
		u.bp.OriginalData[u.i] = u.data
	}
	return n, nil
}
