package proc

import "fmt"

// DebugInfoKind describes where the debug information of a module lives.
type DebugInfoKind uint8

const (
	NoDebugInfo DebugInfoKind = iota
	// EmbeddedDebugInfo means the image itself carries a symbol table.
	EmbeddedDebugInfo
	// SeparateDebugInfo means symbols live in a separate file, see
	// DebugInfo.Path.
	SeparateDebugInfo
)

func (k DebugInfoKind) String() string {
	switch k {
	case EmbeddedDebugInfo:
		return "embedded"
	case SeparateDebugInfo:
		return "separate"
	}
	return "none"
}

// DebugInfo locates the symbols of a module.
type DebugInfo struct {
	Kind DebugInfoKind
	Path string
}

// Module is an executable image mapped in a process. Modules of the same
// process never overlap unless one of them was unloaded.
type Module struct {
	Name          string
	Base          uint64
	PreferredBase uint64
	Size          uint64
	Machine       MachineType
	DebugInfo     DebugInfo

	deleted bool
}

func newModule(img *ImageInfo) *Module {
	return &Module{
		Name:          img.Path,
		Base:          img.Base,
		PreferredBase: img.PreferredBase,
		Size:          img.Size,
		Machine:       img.Machine,
		DebugInfo:     img.DebugInfo,
	}
}

// End returns the first address past the image.
func (m *Module) End() uint64 {
	return m.Base + m.Size
}

// Contains returns true if addr is mapped by the image.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// Slide returns the distance between the load address and the preferred
// base of the image.
func (m *Module) Slide() int64 {
	return int64(m.Base - m.PreferredBase)
}

// Deleted returns true once the module was unloaded.
func (m *Module) Deleted() bool {
	return m.deleted
}

func (m *Module) overlaps(o *Module) bool {
	return m.Base < o.End() && o.Base < m.End()
}

func (m *Module) String() string {
	return fmt.Sprintf("%s %#x-%#x", m.Name, m.Base, m.End())
}

// ModuleInfo is a snapshot of a Module that can leave the engine
// goroutine.
type ModuleInfo struct {
	Name          string
	Base          uint64
	PreferredBase uint64
	Size          uint64
	Machine       MachineType
	DebugInfo     DebugInfo
	Deleted       bool
}

// Info returns a snapshot of m.
func (m *Module) Info() ModuleInfo {
	return ModuleInfo{
		Name:          m.Name,
		Base:          m.Base,
		PreferredBase: m.PreferredBase,
		Size:          m.Size,
		Machine:       m.Machine,
		DebugInfo:     m.DebugInfo,
		Deleted:       m.deleted,
	}
}

// ModuleOverlapError is returned when a newly loaded image overlaps a
// live module of the same process.
type ModuleOverlapError struct {
	New, Existing string
}

func (e *ModuleOverlapError) Error() string {
	return fmt.Sprintf("module %s overlaps %s", e.New, e.Existing)
}
