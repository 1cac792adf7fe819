package proc_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/dexec/pkg/proc"
	"github.com/go-delve/dexec/pkg/proc/sim"
)

// callProgram calls f, a function with a frame pointer prologue.
func callProgram(t *testing.T) (*sim.Asm, *sim.Program) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").Call("f")
		a.Label("after").Nop()
		exitGroup(a, 0)
		a.Label("f").Prologue()
		a.Label("f.body").Nop()
		a.Epilogue()
		a.Label("f.end")
	})
	prog.Main.Symbols = []sim.Symbol{symbol(a, "f")}
	return a, prog
}

func (f *fixture) step(arm func() error) {
	f.t.Helper()
	require.NoError(f.t, arm())
	n := f.rec.count("step-complete")
	f.cont()
	require.Equal(f.t, n+1, f.rec.count("step-complete"), "step did not complete: %v", f.rec.events)
}

func (f *fixture) stepInstruction(stepIn bool) {
	f.t.Helper()
	f.step(func() error { return f.e.StepInstruction(f.pid, stepIn) })
}

func TestStepInstruction(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)
	sp := f.regs().SP

	f.stepInstruction(true)
	assert.Equal(t, a.Addr("f"), f.pc())
	assert.Equal(t, sp-8, f.regs().SP)

	f.stepInstruction(false)
	assert.Equal(t, a.Addr("f")+1, f.pc())
	f.stepInstruction(false)
	assert.Equal(t, a.Addr("f.body"), f.pc())

	threads, err := f.e.Threads(f.pid)
	require.NoError(t, err)
	assert.False(t, threads[0].Stepping)

	f.cont()
	assert.Equal(t, 0, f.exitStatus())
}

func TestStepOverCall(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)
	sp := f.regs().SP

	f.stepInstruction(false)
	assert.Equal(t, a.Addr("after"), f.pc())
	assert.Equal(t, sp, f.regs().SP)

	bps, err := f.e.Breakpoints(f.pid)
	require.NoError(t, err)
	assert.Empty(t, bps, "the private breakpoint is removed")
	assert.Equal(t, byte(0x90), f.rawByte(a.Addr("after")))
}

// repProgram copies 16 bytes with rep movsb at "copy".
func repProgram(t *testing.T) (*sim.Asm, *sim.Program) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").
			MovImm(sim.RSI, 0x500000).
			MovImm(sim.RDI, 0x500100).
			MovImm(sim.RCX, 16)
		a.Label("copy").RepMovsb()
		a.Label("after")
		exitGroup(a, 0)
	})
	prog.Regions = []sim.Region{{Base: 0x500000, Size: 0x1000, Prot: proc.ProtRead | proc.ProtWrite, Data: []byte("0123456789abcdef")}}
	return a, prog
}

func TestStepOverRepString(t *testing.T) {
	for _, stepIn := range []bool{false, true} {
		t.Run(fmt.Sprintf("stepIn=%v", stepIn), func(t *testing.T) {
			a, prog := repProgram(t)
			f := launch(t, prog)
			require.NoError(t, f.e.SetBreakpoint(f.pid, a.Addr("copy"), 1))
			f.cont()
			require.Len(t, f.rec.hits, 1)
			require.NoError(t, f.e.RemoveBreakpoint(f.pid, a.Addr("copy"), 1))

			f.stepInstruction(stepIn)
			assert.Equal(t, a.Addr("after"), f.pc())
			bps, err := f.e.Breakpoints(f.pid)
			require.NoError(t, err)
			assert.Empty(t, bps, "the private breakpoint is removed")

			buf := make([]byte, 16)
			_, _, err = f.e.ReadMemory(f.pid, 0x500100, buf)
			require.NoError(t, err)
			assert.Equal(t, "0123456789abcdef", string(buf))
		})
	}
}

func TestSingleStep(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)
	sp := f.regs().SP

	f.step(func() error { return f.e.SingleStep(f.pid) })
	assert.Equal(t, a.Addr("f"), f.pc(), "calls are entered")
	assert.Equal(t, sp-8, f.regs().SP)

	f.step(func() error { return f.e.SingleStep(f.pid) })
	assert.Equal(t, a.Addr("f")+1, f.pc())

	require.NoError(t, f.e.SingleStep(f.pid))
	assert.ErrorIs(t, f.e.SingleStep(f.pid), proc.ErrStepInProgress)
	f.cont()
	assert.Equal(t, a.Addr("f.body"), f.pc())

	assert.Equal(t, "instruction-step", proc.StepInstruction.String())
	assert.Equal(t, "step-into", proc.StepInto.String())
}

func TestStepFromBreakpoint(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)
	require.NoError(t, f.e.SetBreakpoint(f.pid, a.Addr("f"), 1))

	f.cont()
	require.Len(t, f.rec.hits, 1)
	assert.Equal(t, a.Addr("f"), f.pc())

	// the thread moves past its own breakpoint while stepping
	f.stepInstruction(true)
	assert.Equal(t, a.Addr("f")+1, f.pc())
	assert.Equal(t, byte(0xcc), f.rawByte(a.Addr("f")))
	assert.Len(t, f.rec.hits, 1)
}

func TestStepOverRecursion(t *testing.T) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").MovImm(sim.RBX, 3).Call("f")
		exitGroup(a, 0)
		a.Label("f").Dec(sim.RBX).Jz("done")
		a.Label("site").Call("f")
		a.Label("ret_site").Nop()
		a.Label("done").Ret()
	})
	f := launch(t, prog)
	require.NoError(t, f.e.SetBreakpoint(f.pid, a.Addr("site"), 1))
	f.cont()
	require.Len(t, f.rec.hits, 1)
	require.NoError(t, f.e.RemoveBreakpoint(f.pid, a.Addr("site"), 1))
	sp := f.regs().SP

	// the return to ret_site of the inner call happens in a deeper frame
	// and must not end the step
	f.stepInstruction(false)
	assert.Equal(t, a.Addr("ret_site"), f.pc())
	assert.Equal(t, sp, f.regs().SP)

	f.cont()
	assert.Equal(t, 0, f.exitStatus())
}

func TestStepOut(t *testing.T) {
	t.Run("entry", func(t *testing.T) {
		a, prog := callProgram(t)
		f := launch(t, prog)
		sp := f.regs().SP
		f.stepInstruction(true)
		require.Equal(t, a.Addr("f"), f.pc())

		f.step(func() error { return f.e.StepOut(f.pid, 0) })
		assert.Equal(t, a.Addr("after"), f.pc())
		assert.Equal(t, sp, f.regs().SP)
	})

	t.Run("frame pointer", func(t *testing.T) {
		a, prog := callProgram(t)
		f := launch(t, prog)
		f.stepInstruction(true)
		f.stepInstruction(true)
		f.stepInstruction(true)
		require.Equal(t, a.Addr("f.body"), f.pc())

		f.step(func() error { return f.e.StepOut(f.pid, 0) })
		assert.Equal(t, a.Addr("after"), f.pc())
	})

	t.Run("explicit target", func(t *testing.T) {
		a, prog := callProgram(t)
		f := launch(t, prog)
		f.stepInstruction(true)

		f.step(func() error { return f.e.StepOut(f.pid, a.Addr("after")) })
		assert.Equal(t, a.Addr("after"), f.pc())
	})
}

// rangeProgram calls callee from a range that ends at range.end.
func rangeProgram(t *testing.T, callee string) (*sim.Asm, *sim.Program) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").Nop().Call(callee).Nop()
		a.Label("range.end").Nop()
		a.Label("out")
		exitGroup(a, 0)
		a.Label("f").Prologue().Nop().Epilogue()
		a.Label("f.end")
		a.Label("thunk").Jmp("f")
	})
	return a, prog
}

func TestStepRange(t *testing.T) {
	withSymbols := func(b *sim.Backend) proc.SymbolStore { return b }
	noSymbols := func(*sim.Backend) proc.SymbolStore {
		return proc.SymbolStoreFunc(func(int, uint64) (proc.AddressRange, bool) { return proc.AddressRange{}, false })
	}

	tests := []struct {
		name    string
		callee  string
		stepIn  bool
		symbols func(*sim.Backend) proc.SymbolStore
		stop    string
	}{
		{"over", "f", false, withSymbols, "out"},
		{"in known", "f", true, withSymbols, "f"},
		{"in unknown", "f", true, noSymbols, "out"},
		{"in through thunk", "thunk", true, withSymbols, "f"},
		{"in without symbol store", "f", true, nil, "f"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, prog := rangeProgram(t, tc.callee)
			prog.Main.Symbols = []sim.Symbol{symbol(a, "f")}
			f := launchWithSymbols(t, prog, tc.symbols)
			rng := []proc.AddressRange{{Begin: a.Addr("main"), End: a.Addr("range.end")}}

			f.step(func() error { return f.e.StepRange(f.pid, tc.stepIn, rng) })
			assert.Equal(t, a.Addr(tc.stop), f.pc())
			assert.Equal(t, 1, f.rec.count("step-complete"))

			bps, err := f.e.Breakpoints(f.pid)
			require.NoError(t, err)
			assert.Empty(t, bps)
		})
	}
}

func TestStepRangeEmpty(t *testing.T) {
	_, prog := callProgram(t)
	f := launch(t, prog)
	assert.Error(t, f.e.StepRange(f.pid, false, nil))
}

func TestStepOverEmbeddedTrap(t *testing.T) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").Int3()
		a.Label("after")
		exitGroup(a, 0)
	})
	f := launch(t, prog)

	f.stepInstruction(false)
	assert.Equal(t, a.Addr("after"), f.pc())
	assert.Empty(t, f.rec.hits, "a trap reached by a step is not reported as a breakpoint")
}

func TestStepCancelledByBreakpoint(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)
	require.NoError(t, f.e.SetBreakpoint(f.pid, a.Addr("f.body"), 9))
	require.NoError(t, f.e.StepInstruction(f.pid, false))

	f.cont()
	require.Len(t, f.rec.hits, 1)
	assert.Equal(t, a.Addr("f.body"), f.rec.hits[0].addr)

	threads, err := f.e.Threads(f.pid)
	require.NoError(t, err)
	assert.False(t, threads[0].Stepping)
	bps, err := f.e.Breakpoints(f.pid)
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, []proc.Cookie{9}, bps[0].Cookies)

	f.cont()
	assert.Equal(t, 0, f.exitStatus())
	assert.Zero(t, f.rec.count("step-complete"))
}

func TestStepCancelledByException(t *testing.T) {
	_, prog := udProgram(t)
	f := launch(t, prog)
	f.stepInstruction(true)

	require.NoError(t, f.e.StepInstruction(f.pid, true))
	f.cont()
	assert.Len(t, f.rec.exceptions, 1)
	threads, err := f.e.Threads(f.pid)
	require.NoError(t, err)
	assert.False(t, threads[0].Stepping)
}

func TestStepErrors(t *testing.T) {
	a, prog := callProgram(t)
	f := launch(t, prog)

	require.NoError(t, f.e.StepInstruction(f.pid, false))
	assert.ErrorIs(t, f.e.StepInstruction(f.pid, true), proc.ErrStepInProgress)
	assert.ErrorIs(t, f.e.StepOut(f.pid, 0), proc.ErrStepInProgress)

	threads, err := f.e.Threads(f.pid)
	require.NoError(t, err)
	assert.True(t, threads[0].Stepping)

	bps, err := f.e.Breakpoints(f.pid)
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, a.Addr("after"), bps[0].Addr)
	assert.False(t, bps[0].HasUserCookies())

	require.NoError(t, f.e.CancelStep(f.pid))
	bps, err = f.e.Breakpoints(f.pid)
	require.NoError(t, err)
	assert.Empty(t, bps)
	require.NoError(t, f.e.StepInstruction(f.pid, true))
	require.NoError(t, f.e.CancelStep(f.pid))

	f.cont()
	assert.Equal(t, 0, f.exitStatus())
	assert.Zero(t, f.rec.count("step-complete"))

	var exited proc.ErrProcessExited
	assert.ErrorAs(t, f.e.StepInstruction(f.pid, true), &exited)
	assert.Equal(t, 0, exited.Status)
}

func TestExecuteCancelsStep(t *testing.T) {
	_, prog := callProgram(t)
	f := launch(t, prog)

	require.NoError(t, f.e.StepInstruction(f.pid, true))
	require.NoError(t, f.e.Execute(f.pid, false))
	f.run()
	assert.Equal(t, 0, f.exitStatus())
	assert.Zero(t, f.rec.count("step-complete"))
}

func TestStepThreadExit(t *testing.T) {
	a, prog := assemble(t, func(a *sim.Asm, at func(string) uint64) {
		a.Label("main").
			MovImm(sim.RDI, uint32(at("worker"))).
			MovImm(sim.RSI, workerStackTop-16).
			MovImm(sim.RAX, sim.SysSpawnThread).
			Syscall().
			MovImm(sim.RBX, 50)
		a.Label("spin").Dec(sim.RBX).Jnz("spin")
		exitThread(a, 0)
		a.Label("worker").Call("g")
		a.Label("worker.ret").Nop()
		exitThread(a, 0)
		a.Label("g").Nop()
		exitThread(a, 2)
	})
	prog.Regions = []sim.Region{{Base: workerStackTop - 0x10000, Size: 0x10000, Prot: proc.ProtRead | proc.ProtWrite}}
	f := launch(t, prog)
	require.NoError(t, f.e.SetBreakpoint(f.pid, a.Addr("g"), 1))

	f.cont()
	require.Len(t, f.rec.hits, 1)
	require.Equal(t, f.pid+1, f.rec.hits[0].tid)

	// the worker exits inside g: its step out never completes and the
	// private breakpoint goes away with the thread
	require.NoError(t, f.e.StepOut(f.pid, 0))
	bps, err := f.e.Breakpoints(f.pid)
	require.NoError(t, err)
	require.Len(t, bps, 2)
	assert.Equal(t, a.Addr("worker.ret"), bps[0].Addr)

	require.NoError(t, f.e.RemoveBreakpoint(f.pid, a.Addr("g"), 1))
	f.cont()
	assert.Equal(t, 0, f.exitStatus())
	assert.Empty(t, f.rec.errs)
	assert.Zero(t, f.rec.count("step-complete"))
	assert.Contains(t, f.rec.events, fmt.Sprintf("thread-exit %d 2", f.pid+1))
}
