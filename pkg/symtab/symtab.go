// Package symtab answers the function range queries of the stepping
// engine from the ELF symbol tables of the images loaded in the debugged
// processes.
package symtab

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/dexec/pkg/logflags"
	"github.com/go-delve/dexec/pkg/proc"
)

// DefaultCacheSize is the number of symbol tables kept when the
// configuration does not say otherwise.
const DefaultCacheSize = 32

const lookupCacheSize = 1024

// Function is a function symbol, at its link time address.
type Function struct {
	Name string
	Addr uint64
	Size uint64
}

// End returns the last address of the function.
func (fn Function) End() uint64 {
	return fn.Addr + fn.Size - 1
}

// Table is the function list of one image, sorted by address.
type Table struct {
	Funcs []Function
}

// find returns the function containing addr.
func (tab *Table) find(addr uint64) (Function, bool) {
	i := sort.Search(len(tab.Funcs), func(i int) bool { return tab.Funcs[i].Addr > addr }) - 1
	if i < 0 {
		return Function{}, false
	}
	fn := tab.Funcs[i]
	if addr > fn.End() {
		return Function{}, false
	}
	return fn, true
}

// image is a module loaded in a process.
type image struct {
	path  string
	base  uint64
	size  uint64
	slide uint64
	debug proc.DebugInfo
}

func (img *image) contains(addr uint64) bool {
	return addr >= img.base && addr-img.base < img.size
}

type lookupKey struct {
	pid int
	pc  uint64
}

type lookupResult struct {
	name string
	r    proc.AddressRange
	ok   bool
}

// Store implements proc.SymbolStore. Images are added and removed by the
// callback returned by Track. Parsed tables are shared by every process
// that maps the same file.
type Store struct {
	mu        sync.Mutex
	images    map[int][]*image
	tables    *lru.Cache
	lookups   *lru.Cache
	debugDirs []string

	// load parses the symbol table of the file at path.
	load func(path string) (*Table, error)
	log  logflags.Logger
}

// New returns a store that keeps at most cacheSize parsed tables.
// debugDirs are searched for separate debug info files.
func New(cacheSize int, debugDirs []string) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	tables, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	lookups, err := lru.New(lookupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		images:    make(map[int][]*image),
		tables:    tables,
		lookups:   lookups,
		debugDirs: debugDirs,
		load:      LoadTable,
		log:       logflags.SymtabLogger(),
	}, nil
}

// AddImage records that m is mapped in process pid.
func (s *Store) AddImage(pid int, m proc.ModuleInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := &image{path: m.Name, base: m.Base, size: m.Size, slide: m.Base - m.PreferredBase, debug: m.DebugInfo}
	s.images[pid] = append(s.images[pid], img)
	s.lookups.Purge()
	if logflags.Symtab() {
		s.log.Debugf("pid %d: image %s at %#x, slide %#x", pid, m.Name, m.Base, img.slide)
	}
}

// RemoveImage forgets the image loaded at base in process pid.
func (s *Store) RemoveImage(pid int, base uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imgs := s.images[pid]
	for i, img := range imgs {
		if img.base == base {
			s.images[pid] = append(imgs[:i:i], imgs[i+1:]...)
			break
		}
	}
	s.lookups.Purge()
}

// RemoveProcess forgets every image of pid.
func (s *Store) RemoveProcess(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, pid)
	s.lookups.Purge()
}

// FunctionRange implements proc.SymbolStore.
func (s *Store) FunctionRange(pid int, pc uint64) (proc.AddressRange, bool) {
	res := s.lookup(pid, pc)
	return res.r, res.ok
}

// Lookup returns the name of the function containing pc and the offset
// of pc inside of it.
func (s *Store) Lookup(pid int, pc uint64) (name string, offset uint64, ok bool) {
	res := s.lookup(pid, pc)
	if !res.ok {
		return "", 0, false
	}
	return res.name, pc - res.r.Begin, true
}

func (s *Store) lookup(pid int, pc uint64) lookupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lookupKey{pid, pc}
	if v, ok := s.lookups.Get(key); ok {
		return v.(lookupResult)
	}
	var res lookupResult
	for _, img := range s.images[pid] {
		if !img.contains(pc) {
			continue
		}
		tab := s.table(img)
		if tab == nil {
			break
		}
		fn, ok := tab.find(pc - img.slide)
		if ok {
			res = lookupResult{name: fn.Name, r: proc.AddressRange{Begin: fn.Addr + img.slide, End: fn.End() + img.slide}, ok: true}
		}
		break
	}
	s.lookups.Add(key, res)
	return res
}

// table returns the parsed table of img, loading it on first use. A file
// that can not be parsed is cached as an empty table.
func (s *Store) table(img *image) *Table {
	path := s.symbolFile(img)
	if v, ok := s.tables.Get(path); ok {
		return v.(*Table)
	}
	tab, err := s.load(path)
	if err != nil {
		s.log.Debugf("no symbols for %s: %v", path, err)
		tab = &Table{}
	}
	s.tables.Add(path, tab)
	return tab
}

// symbolFile returns the file holding the symbols of img.
func (s *Store) symbolFile(img *image) string {
	if img.debug.Kind != proc.SeparateDebugInfo || img.debug.Path == "" {
		return img.path
	}
	if filepath.IsAbs(img.debug.Path) {
		return img.debug.Path
	}
	candidates := []string{filepath.Join(filepath.Dir(img.path), img.debug.Path)}
	for _, dir := range s.debugDirs {
		candidates = append(candidates,
			filepath.Join(dir, img.debug.Path),
			filepath.Join(dir, filepath.Dir(img.path), img.debug.Path))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return img.path
}

// LoadTable reads the function symbols of the ELF file at path, from
// .symtab and .dynsym.
func LoadTable(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var syms []elf.Symbol
	if s, err := f.Symbols(); err == nil {
		syms = append(syms, s...)
	}
	if s, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, s...)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%s: no symbol table", path)
	}

	tab := &Table{}
	seen := make(map[uint64]bool)
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if seen[sym.Value] {
			continue
		}
		seen[sym.Value] = true
		tab.Funcs = append(tab.Funcs, Function{Name: sym.Name, Addr: sym.Value, Size: sym.Size})
	}
	sort.Slice(tab.Funcs, func(i, j int) bool { return tab.Funcs[i].Addr < tab.Funcs[j].Addr })
	return tab, nil
}
