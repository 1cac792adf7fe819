package sim

// DemoPath is the path the demo program is registered under by
// RegisterDemo.
const DemoPath = "/demo"

const demoBase = 0x400000

const demoGreeting = "hello from the simulator\n"

// Demo assembles a small program with symbols: main prints a greeting
// from greet, calls work three times and exits with status 0.
func Demo() (*Program, error) {
	a := NewAsm(demoBase)
	a.Label("msg").Bytes([]byte(demoGreeting)...)

	a.Label("main").Prologue().Call("greet").MovImm(RBX, 3)
	a.Label("loop").Call("work").Dec(RBX).Jnz("loop")
	a.MovImm(RDI, 0).MovImm(RAX, SysExitGroup).Syscall()

	a.Label("greet")
	a.MovImm(RAX, SysWrite).MovImm(RDI, 1)
	a.MovImm(RSI, uint32(a.Addr("msg"))).MovImm(RDX, uint32(len(demoGreeting)))
	a.Syscall().Ret()

	a.Label("work").Prologue().Nop().Nop().Epilogue()
	a.Label("end")

	code, err := a.Build()
	if err != nil {
		return nil, err
	}
	sym := func(name, next string) Symbol {
		return Symbol{Name: name, Addr: a.Addr(name), Size: a.Addr(next) - a.Addr(name)}
	}
	return &Program{
		Main: Image{
			Path: DemoPath,
			Base: demoBase,
			Code: code,
			Symbols: []Symbol{
				sym("main", "greet"),
				sym("greet", "work"),
				sym("work", "end"),
			},
		},
		Entry: a.Addr("main"),
	}, nil
}

// RegisterDemo makes the demo program available under DemoPath.
func (b *Backend) RegisterDemo() error {
	prog, err := Demo()
	if err != nil {
		return err
	}
	b.Register(DemoPath, prog)
	return nil
}
