package symtab

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/dexec/pkg/proc"
)

var libTable = &Table{Funcs: []Function{
	{Name: "init", Addr: 0x1000, Size: 0x10},
	{Name: "run", Addr: 0x1010, Size: 0x30},
	{Name: "fini", Addr: 0x1100, Size: 0x8},
}}

func newTestStore(t *testing.T, size int) (*Store, map[string]int) {
	t.Helper()
	s, err := New(size, nil)
	require.NoError(t, err)
	loads := make(map[string]int)
	s.load = func(path string) (*Table, error) {
		loads[path]++
		if path == "/lib/libx.so" {
			return libTable, nil
		}
		return nil, errors.New("not an ELF file")
	}
	return s, loads
}

func TestFunctionRange(t *testing.T) {
	s, loads := newTestStore(t, 4)
	s.AddImage(1, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x7f0000000000, PreferredBase: 0, Size: 0x2000})

	r, ok := s.FunctionRange(1, 0x7f0000001020)
	require.True(t, ok)
	assert.Equal(t, proc.AddressRange{Begin: 0x7f0000001010, End: 0x7f000000103f}, r)

	name, off, ok := s.Lookup(1, 0x7f0000001104)
	require.True(t, ok)
	assert.Equal(t, "fini", name)
	assert.Equal(t, uint64(4), off)

	// between functions
	_, ok = s.FunctionRange(1, 0x7f0000001080)
	assert.False(t, ok)
	// outside of every image
	_, ok = s.FunctionRange(1, 0x400000)
	assert.False(t, ok)
	// unknown process
	_, ok = s.FunctionRange(2, 0x7f0000001020)
	assert.False(t, ok)

	assert.Equal(t, 1, loads["/lib/libx.so"], "the table is parsed once")
}

func TestSharedTable(t *testing.T) {
	s, loads := newTestStore(t, 4)
	s.AddImage(1, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	s.AddImage(2, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x20000, Size: 0x2000})

	r1, ok := s.FunctionRange(1, 0x11000)
	require.True(t, ok)
	r2, ok := s.FunctionRange(2, 0x21000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x11000), r1.Begin)
	assert.Equal(t, uint64(0x21000), r2.Begin)
	assert.Equal(t, 1, loads["/lib/libx.so"])
}

func TestImageRemoval(t *testing.T) {
	s, _ := newTestStore(t, 4)
	s.AddImage(1, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	_, ok := s.FunctionRange(1, 0x11000)
	require.True(t, ok)

	s.RemoveImage(1, 0x10000)
	_, ok = s.FunctionRange(1, 0x11000)
	assert.False(t, ok, "cached lookups are dropped with the image")

	s.AddImage(1, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	s.RemoveProcess(1)
	_, ok = s.FunctionRange(1, 0x11000)
	assert.False(t, ok)
}

func TestUnreadableImage(t *testing.T) {
	s, loads := newTestStore(t, 4)
	s.AddImage(1, proc.ModuleInfo{Name: "/bin/stripped", Base: 0x400000, PreferredBase: 0x400000, Size: 0x1000})
	_, ok := s.FunctionRange(1, 0x400010)
	assert.False(t, ok)
	_, ok = s.FunctionRange(1, 0x400020)
	assert.False(t, ok)
	assert.Equal(t, 1, loads["/bin/stripped"], "failures are cached")
}

func TestTableEviction(t *testing.T) {
	s, loads := newTestStore(t, 1)
	s.AddImage(1, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	s.AddImage(1, proc.ModuleInfo{Name: "/bin/stripped", Base: 0x400000, PreferredBase: 0x400000, Size: 0x1000})

	s.FunctionRange(1, 0x11000)
	s.FunctionRange(1, 0x400000)
	s.FunctionRange(1, 0x11004)
	assert.Equal(t, 2, loads["/lib/libx.so"], "a cache of one table reloads after eviction")
}

func TestSeparateDebugInfo(t *testing.T) {
	dir := t.TempDir()
	debugFile := filepath.Join(dir, "libx.so.debug")
	require.NoError(t, os.WriteFile(debugFile, nil, 0o600))

	s, err := New(1, []string{dir})
	require.NoError(t, err)
	img := &image{path: "/lib/libx.so", debug: proc.DebugInfo{Kind: proc.SeparateDebugInfo, Path: "libx.so.debug"}}
	assert.Equal(t, debugFile, s.symbolFile(img))

	img.debug.Path = "missing.debug"
	assert.Equal(t, "/lib/libx.so", s.symbolFile(img))

	img.debug = proc.DebugInfo{Kind: proc.EmbeddedDebugInfo, Path: "/lib/libx.so"}
	assert.Equal(t, "/lib/libx.so", s.symbolFile(img))
}

func TestTrack(t *testing.T) {
	s, _ := newTestStore(t, 4)
	cb := s.Track(nil)
	p := proc.ProcessInfo{Pid: 7}
	cb.OnModuleLoad(p, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	_, ok := s.FunctionRange(7, 0x11000)
	assert.True(t, ok)

	cb.OnModuleUnload(p, 0x10000)
	_, ok = s.FunctionRange(7, 0x11000)
	assert.False(t, ok)

	cb.OnModuleLoad(p, proc.ModuleInfo{Name: "/lib/libx.so", Base: 0x10000, Size: 0x2000})
	cb.OnProcessExit(p, 0)
	_, ok = s.FunctionRange(7, 0x11000)
	assert.False(t, ok)
}

const fixtureSource = `package main

//go:noinline
func fixtureTarget(n int) int {
	s := 0
	for i := 0; i < n; i++ {
		s += i * i
	}
	return s
}

func main() {
	println(fixtureTarget(10))
}
`

// buildFixture compiles fixtureSource into a temporary directory and
// returns the path of the executable.
func buildFixture(t *testing.T) string {
	t.Helper()
	gocmd, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go command not found")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(fixtureSource), 0o600))
	exe := filepath.Join(dir, "fixture")
	cmd := exec.Command(gocmd, "build", "-o", exe, "main.go")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOFLAGS=")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "building fixture: %s", out)
	return exe
}

func TestLoadTableFixture(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("fixtures are not ELF files")
	}
	tab, err := LoadTable(buildFixture(t))
	require.NoError(t, err)

	var found *Function
	for i := range tab.Funcs {
		if tab.Funcs[i].Name == "main.fixtureTarget" {
			found = &tab.Funcs[i]
		}
	}
	require.NotNil(t, found)
	assert.NotZero(t, found.Size)
	fn, ok := tab.find(found.Addr + found.Size - 1)
	require.True(t, ok)
	assert.Equal(t, found.Name, fn.Name)

	for i := 1; i < len(tab.Funcs); i++ {
		require.LessOrEqual(t, tab.Funcs[i-1].Addr, tab.Funcs[i].Addr)
	}

	_, err = LoadTable(filepath.Join(t.TempDir(), "none"))
	assert.Error(t, err)
}
