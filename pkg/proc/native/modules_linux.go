//go:build linux && (amd64 || 386)

package native

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/go-delve/dexec/pkg/proc"
)

// mapping is a file mapped as an executable image.
type mapping struct {
	path string
	base uint64
	size uint64
}

// imageMappings groups the file backed entries of maps into images: an
// image starts at the mapping of file offset 0 and extends over the
// mappings of the same file that follow it.
func imageMappings(maps []*procfs.ProcMap) map[uint64]mapping {
	images := make(map[uint64]mapping)
	var cur *mapping
	for _, m := range maps {
		if m.Inode == 0 || !strings.HasPrefix(m.Pathname, "/") {
			cur = nil
			continue
		}
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		if cur != nil && cur.path == m.Pathname {
			cur.size = end - cur.base
			images[cur.base] = *cur
			continue
		}
		if m.Offset != 0 {
			cur = nil
			continue
		}
		cur = &mapping{path: m.Pathname, base: start, size: end - start}
		images[start] = *cur
	}
	return images
}

// diffImages returns the images of cur that are not in old and the images
// of old that are gone from cur, both sorted by base.
func diffImages(old, cur map[uint64]mapping) (loaded, unloaded []mapping) {
	for base, m := range cur {
		if o, ok := old[base]; !ok || o.path != m.path {
			loaded = append(loaded, m)
		}
	}
	for base, m := range old {
		if c, ok := cur[base]; !ok || c.path != m.path {
			unloaded = append(unloaded, m)
		}
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].base < loaded[j].base })
	sort.Slice(unloaded, func(i, j int) bool { return unloaded[i].base < unloaded[j].base })
	return loaded, unloaded
}

// elfMachine returns the machine type of the executable at path.
func elfMachine(path string) (proc.MachineType, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	switch f.Machine {
	case elf.EM_X86_64:
		return proc.MachineAMD64, nil
	case elf.EM_386:
		return proc.MachineI386, nil
	}
	return 0, fmt.Errorf("%s: unsupported machine %v", path, f.Machine)
}

// imageInfo describes the image m. The preferred base and the debug
// information come from the file on disk; a file that can not be parsed
// is still reported, without them.
func imageInfo(m mapping, machine proc.MachineType) *proc.ImageInfo {
	img := &proc.ImageInfo{Path: m.path, Base: m.base, Size: m.size, Machine: machine}
	f, err := elf.Open(m.path)
	if err != nil {
		return img
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			img.PreferredBase = prog.Vaddr
			if prog.Align > 1 {
				img.PreferredBase &^= prog.Align - 1
			}
			break
		}
	}
	if f.Section(".symtab") != nil {
		img.DebugInfo = proc.DebugInfo{Kind: proc.EmbeddedDebugInfo, Path: m.path}
	} else if link := f.Section(".gnu_debuglink"); link != nil {
		if data, err := link.Data(); err == nil {
			if i := strings.IndexByte(string(data), 0); i > 0 {
				img.DebugInfo = proc.DebugInfo{Kind: proc.SeparateDebugInfo, Path: string(data[:i])}
			}
		}
	}
	return img
}
