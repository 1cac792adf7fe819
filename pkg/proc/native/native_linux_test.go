//go:build linux && (amd64 || 386)

package native

import (
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/dexec/pkg/proc"
)

func procMap(start, end uintptr, perms string, offset int64, inode uint64, path string) *procfs.ProcMap {
	return &procfs.ProcMap{
		StartAddr: start,
		EndAddr:   end,
		Perms: &procfs.ProcMapPermissions{
			Read:    perms[0] == 'r',
			Write:   perms[1] == 'w',
			Execute: perms[2] == 'x',
			Private: true,
		},
		Offset:   offset,
		Inode:    inode,
		Pathname: path,
	}
}

var testMaps = []*procfs.ProcMap{
	procMap(0x400000, 0x401000, "r--", 0, 7, "/usr/bin/prog"),
	procMap(0x401000, 0x405000, "r-x", 0x1000, 7, "/usr/bin/prog"),
	procMap(0x405000, 0x406000, "rw-", 0x5000, 7, "/usr/bin/prog"),
	procMap(0x406000, 0x427000, "rw-", 0, 0, "[heap]"),
	procMap(0x7f0000000000, 0x7f0000002000, "r-x", 0, 9, "/lib/libc.so.6"),
	procMap(0x7f0000002000, 0x7f0000003000, "---", 0x2000, 9, "/lib/libc.so.6"),
	procMap(0x7f0000010000, 0x7f0000011000, "r--", 0, 10, "/lib/ld.so"),
}

func TestRegionAt(t *testing.T) {
	tests := []struct {
		addr uint64
		want proc.MemoryRegion
	}{
		{0x1000, proc.MemoryRegion{Base: 0x1000, Size: 0x3ff000}},
		{0x400010, proc.MemoryRegion{Base: 0x400000, Size: 0x1000, Committed: true, Protect: proc.ProtRead}},
		{0x402000, proc.MemoryRegion{Base: 0x401000, Size: 0x4000, Committed: true, Protect: proc.ProtRead | proc.ProtExec}},
		{0x7f0000002fff, proc.MemoryRegion{Base: 0x7f0000002000, Size: 0x1000, Committed: true, NoAccess: true}},
		{0x7f0000003000, proc.MemoryRegion{Base: 0x7f0000003000, Size: 0xd000}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, regionAt(testMaps, tc.addr), "%#x", tc.addr)
	}

	r := regionAt(testMaps, 0x7f0000011000)
	assert.False(t, r.Committed)
	assert.Equal(t, ^uint64(0)-0x7f0000011000+1, r.Size)

	r = regionAt(nil, 0)
	assert.Equal(t, ^uint64(0), r.Size)
}

func TestImageMappings(t *testing.T) {
	images := imageMappings(testMaps)
	assert.Equal(t, map[uint64]mapping{
		0x400000:       {path: "/usr/bin/prog", base: 0x400000, size: 0x6000},
		0x7f0000000000: {path: "/lib/libc.so.6", base: 0x7f0000000000, size: 0x3000},
		0x7f0000010000: {path: "/lib/ld.so", base: 0x7f0000010000, size: 0x1000},
	}, images)

	// a file mapped from the middle is data, not an image
	images = imageMappings([]*procfs.ProcMap{procMap(0x1000, 0x2000, "r--", 0x3000, 4, "/data/file")})
	assert.Empty(t, images)
}

func TestDiffImages(t *testing.T) {
	old := imageMappings(testMaps)
	cur := imageMappings(append(testMaps[:4:4],
		procMap(0x7f0000010000, 0x7f0000011000, "r--", 0, 10, "/lib/ld.so"),
		procMap(0x7f0000020000, 0x7f0000024000, "r-x", 0, 11, "/lib/libm.so.6"),
	))

	loaded, unloaded := diffImages(old, cur)
	assert.Equal(t, []mapping{{path: "/lib/libm.so.6", base: 0x7f0000020000, size: 0x4000}}, loaded)
	assert.Equal(t, []mapping{{path: "/lib/libc.so.6", base: 0x7f0000000000, size: 0x3000}}, unloaded)

	loaded, unloaded = diffImages(nil, old)
	assert.Len(t, loaded, 3)
	assert.Empty(t, unloaded)
	assert.Equal(t, uint64(0x400000), loaded[0].base)
}

func TestDecodeSiginfo(t *testing.T) {
	raw := make([]byte, 128)
	binary.LittleEndian.PutUint32(raw[0:], uint32(syscall.SIGSEGV))
	binary.LittleEndian.PutUint32(raw[8:], 1)
	if siginfoAddrOffset == 16 {
		binary.LittleEndian.PutUint64(raw[16:], 0xdead0000)
	} else {
		binary.LittleEndian.PutUint32(raw[12:], 0xdead0000)
	}
	si := decodeSiginfo(raw)
	assert.Equal(t, siginfo{signo: int(syscall.SIGSEGV), code: 1, addr: 0xdead0000}, si)
}

func TestExceptionCode(t *testing.T) {
	assert.Equal(t, proc.ExceptionAccessViolation, exceptionCode(syscall.SIGSEGV))
	assert.Equal(t, proc.ExceptionAccessViolation, exceptionCode(syscall.SIGBUS))
	assert.Equal(t, proc.ExceptionIllegalInstruction, exceptionCode(syscall.SIGILL))
	assert.Equal(t, proc.ExceptionArithmetic, exceptionCode(syscall.SIGFPE))
	assert.Equal(t, proc.ExceptionSignal, exceptionCode(syscall.SIGUSR1))
	assert.True(t, hasFaultAddress(syscall.SIGSEGV))
	assert.False(t, hasFaultAddress(syscall.SIGINT))
}

func TestOpenRedirects(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o600))

	stdin, stdout, stderr, closefn, err := openRedirects([3]string{in, filepath.Join(dir, "out"), ""})
	require.NoError(t, err)
	defer closefn()
	assert.NotNil(t, stdin)
	assert.NotNil(t, stdout)
	assert.Nil(t, stderr)

	_, _, _, _, err = openRedirects([3]string{filepath.Join(dir, "missing"), "", ""})
	assert.Error(t, err)
}

func TestLaunchToExit(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("launch test needs a 64 bit tracer")
	}
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not found")
	}
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	pid, machine, err := b.Launch(&proc.LaunchConfig{Path: path})
	if err != nil {
		t.Skipf("ptrace not available: %v", err)
	}
	assert.Equal(t, proc.MachineAMD64, machine)

	var kinds []proc.DebugEventKind
	sawBreakIn := false
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := b.WaitForEvent(100 * time.Millisecond)
		if errors.Is(err, proc.ErrWaitTimeout) {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, pid, ev.Pid)
		kinds = append(kinds, ev.Kind)

		if ev.Kind == proc.EventException && ev.Exception.Code == proc.ExceptionBreakIn && !sawBreakIn {
			sawBreakIn = true
			regs, err := b.Registers(pid, ev.Tid)
			require.NoError(t, err)
			assert.NotZero(t, regs.PC())

			buf := make([]byte, 4)
			n, _, err := proc.ReadMemory(b.Memory(pid), regs.PC(), buf)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		}
		require.NoError(t, b.ContinueEvent(pid, ev.Tid, proc.ContinueHandled))
		if ev.Kind == proc.EventProcessExit {
			assert.Equal(t, 0, ev.ExitCode)
			break
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, proc.EventProcessStart, kinds[0])
	assert.Equal(t, proc.EventProcessExit, kinds[len(kinds)-1])
	assert.True(t, sawBreakIn)
	assert.Nil(t, b.Memory(pid))
}
