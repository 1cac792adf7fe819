package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreakpointMap(t *testing.T) (*BreakpointMap, *fakeMemory) {
	t.Helper()
	mem := newFakeMemory(readable(0x400000, 0x2000))
	mem.poke(0x400000, 0x55, 0x48, 0x89, 0xe5, 0x90, 0xc3)
	return NewBreakpointMap(mem, AMD64Arch()), mem
}

func rawByte(t *testing.T, mem MemoryTarget, addr uint64) byte {
	t.Helper()
	buf := make([]byte, 1)
	_, err := mem.ReadRaw(addr, buf)
	require.NoError(t, err)
	return buf[0]
}

func TestBreakpointCookieMultiplexing(t *testing.T) {
	bpmap, mem := newTestBreakpointMap(t)

	require.NoError(t, bpmap.AddCookie(0x400004, 1))
	assert.Equal(t, byte(0xcc), rawByte(t, mem, 0x400004))
	writes := mem.writes

	require.NoError(t, bpmap.AddCookie(0x400004, 2))
	require.NoError(t, bpmap.AddCookie(0x400004, 2))
	assert.Equal(t, writes, mem.writes, "a patched location is not written again")

	bp := bpmap.Find(0x400004)
	require.NotNil(t, bp)
	assert.Equal(t, []Cookie{1, 2}, bp.Cookies)
	assert.Equal(t, []byte{0x90}, bp.OriginalData)

	require.NoError(t, bpmap.RemoveCookie(0x400004, 1))
	assert.Equal(t, byte(0xcc), rawByte(t, mem, 0x400004), "still patched while a cookie is left")

	require.NoError(t, bpmap.RemoveCookie(0x400004, 2))
	assert.Equal(t, byte(0x90), rawByte(t, mem, 0x400004))
	assert.False(t, bpmap.IsBreakpoint(0x400004))
}

func TestBreakpointRemoveUnknown(t *testing.T) {
	bpmap, _ := newTestBreakpointMap(t)

	err := bpmap.RemoveCookie(0x400000, 1)
	assert.Equal(t, NoBreakpointError{Addr: 0x400000, Cookie: 1}, err)

	require.NoError(t, bpmap.AddCookie(0x400000, 1))
	err = bpmap.RemoveCookie(0x400000, 7)
	assert.Equal(t, NoBreakpointError{Addr: 0x400000, Cookie: 7}, err)
	assert.True(t, bpmap.IsBreakpoint(0x400000))
}

func TestBreakpointPatchFailure(t *testing.T) {
	bpmap, _ := newTestBreakpointMap(t)

	err := bpmap.AddCookie(0x900000, 1)
	var bpe *BreakpointPatchError
	require.ErrorAs(t, err, &bpe)
	assert.Equal(t, uint64(0x900000), bpe.Addr)
	assert.False(t, bpmap.IsBreakpoint(0x900000))
}

func TestBreakpointCleanAccess(t *testing.T) {
	bpmap, mem := newTestBreakpointMap(t)
	require.NoError(t, bpmap.AddCookie(0x400001, 1))

	buf := make([]byte, 6)
	read, _, err := bpmap.ReadClean(0x400000, buf)
	require.NoError(t, err)
	assert.Equal(t, 6, read)
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0xc3}, buf)

	n, err := bpmap.WriteClean(0x400000, []byte{0x90, 0x90, 0x90})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, byte(0xcc), rawByte(t, mem, 0x400001), "the trap survives a write")
	assert.Equal(t, byte(0x90), rawByte(t, mem, 0x400002))
	assert.Equal(t, []byte{0x90}, bpmap.Find(0x400001).OriginalData)

	_, _, err = bpmap.ReadClean(0x400000, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0xe5, 0x90, 0xc3}, buf)

	require.NoError(t, bpmap.RemoveCookie(0x400001, 1))
	assert.Equal(t, byte(0x90), rawByte(t, mem, 0x400001))
}

func TestBreakpointTempUnpatch(t *testing.T) {
	bpmap, mem := newTestBreakpointMap(t)
	require.NoError(t, bpmap.AddCookie(0x400005, 3))
	bp := bpmap.Find(0x400005)

	require.NoError(t, bpmap.TempUnpatch(bp))
	assert.False(t, bp.IsPatched())
	assert.Equal(t, byte(0xc3), rawByte(t, mem, 0x400005))
	assert.True(t, bpmap.IsBreakpoint(0x400005), "cookies are kept while unpatched")

	require.NoError(t, bpmap.TempPatch(bp))
	assert.True(t, bp.IsPatched())
	assert.Equal(t, byte(0xcc), rawByte(t, mem, 0x400005))
}

func TestBreakpointRemoveAll(t *testing.T) {
	bpmap, mem := newTestBreakpointMap(t)
	require.NoError(t, bpmap.AddCookie(0x400000, 1))
	require.NoError(t, bpmap.AddCookie(0x400004, 2))
	require.NoError(t, bpmap.AddCookie(0x400004, InternalCookie|1))

	sorted := bpmap.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, uint64(0x400000), sorted[0].Addr)
	assert.Equal(t, []Cookie{2}, sorted[1].UserCookies())
	assert.True(t, sorted[1].HasUserCookies())

	require.NoError(t, bpmap.RemoveAll())
	assert.Empty(t, bpmap.M)
	assert.Equal(t, byte(0x55), rawByte(t, mem, 0x400000))
	assert.Equal(t, byte(0x90), rawByte(t, mem, 0x400004))
}

func TestInternalCookie(t *testing.T) {
	assert.True(t, (InternalCookie | 5).Internal())
	assert.False(t, Cookie(5).Internal())

	bp := &Breakpoint{Cookies: []Cookie{InternalCookie | 1}}
	assert.False(t, bp.HasUserCookies())
	assert.Empty(t, bp.UserCookies())
}
