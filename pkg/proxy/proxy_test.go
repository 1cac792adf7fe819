package proxy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/dexec/pkg/proc"
	"github.com/go-delve/dexec/pkg/proc/sim"
)

const (
	textBase = 0x400000
	testPath = "/test"
)

// notifier reports the stops of the debugged process on a channel.
type notifier struct {
	proc.NopEventCallback
	stops chan string
	tid   int32

	// onLoad runs on the worker when the loader breakpoint is reached.
	onLoad func(p proc.ProcessInfo, tid int)
}

func newNotifier() *notifier {
	return &notifier{stops: make(chan string, 16)}
}

func (n *notifier) OnLoadComplete(p proc.ProcessInfo, tid int) {
	atomic.StoreInt32(&n.tid, int32(tid))
	if n.onLoad != nil {
		n.onLoad(p, tid)
	}
	n.stops <- "load"
}

func (n *notifier) OnBreakpoint(p proc.ProcessInfo, tid int, addr uint64, cookies []proc.Cookie, embedded bool) proc.RunMode {
	n.stops <- fmt.Sprintf("breakpoint %#x", addr)
	return proc.RunModeBreak
}

func (n *notifier) OnStepComplete(p proc.ProcessInfo, tid int) { n.stops <- "step" }

func (n *notifier) OnProcessExit(p proc.ProcessInfo, code int) {
	n.stops <- fmt.Sprintf("exit %d", code)
}

func (n *notifier) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-n.stops:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the process to stop")
		return ""
	}
}

// program calls f and exits with status 7.
func program(t *testing.T) (*sim.Asm, *sim.Program) {
	t.Helper()
	a := sim.NewAsm(textBase)
	a.Label("main").Call("f")
	a.Label("after").MovImm(sim.RDI, 7).MovImm(sim.RAX, sim.SysExitGroup).Syscall()
	a.Label("f").Nop().Nop().Ret()
	code, err := a.Build()
	require.NoError(t, err)
	return a, &sim.Program{Main: sim.Image{Path: testPath, Base: textBase, Code: code}, Entry: a.Addr("main")}
}

func startProxy(t *testing.T, cb proc.EventCallback, prog *sim.Program) *Proxy {
	t.Helper()
	p := New(Config{
		Backend: func() (proc.Backend, error) {
			b := sim.New()
			if prog != nil {
				b.Register(testPath, prog)
			}
			return b, nil
		},
		Callback:    cb,
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestStartTwice(t *testing.T) {
	p := startProxy(t, nil, nil)
	assert.Equal(t, ErrAlreadyStarted, p.Start())
}

func TestWorkerStartError(t *testing.T) {
	errNoBackend := errors.New("no backend")
	p := New(Config{Backend: func() (proc.Backend, error) { return nil, errNoBackend }})
	err := p.Start()
	var werr *WorkerStartError
	require.True(t, errors.As(err, &werr), "unexpected error %v", err)
	assert.True(t, errors.Is(err, errNoBackend))

	assert.Equal(t, ErrSessionClosed, p.Invoke(func(*proc.Exec) error { return nil }))
}

func TestInvokeAfterShutdown(t *testing.T) {
	p := startProxy(t, nil, nil)
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())

	ran := false
	err := p.Invoke(func(*proc.Exec) error {
		ran = true
		return nil
	})
	assert.Equal(t, ErrSessionClosed, err)
	assert.False(t, ran)
	_, err = p.Processes()
	assert.Equal(t, ErrSessionClosed, err)
	assert.Equal(t, ErrSessionClosed, p.Start())
}

func TestShutdownBeforeStart(t *testing.T) {
	p := New(Config{Backend: func() (proc.Backend, error) { return sim.New(), nil }})
	require.NoError(t, p.Shutdown())
	assert.Equal(t, ErrSessionClosed, p.Invoke(func(*proc.Exec) error { return nil }))
}

func TestConcurrentInvoke(t *testing.T) {
	p := startProxy(t, nil, nil)

	const callers = 16
	var (
		inFlight int32
		overlap  int32
		count    int
		wg       sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Invoke(func(*proc.Exec) error {
				if atomic.AddInt32(&inFlight, 1) != 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(time.Millisecond)
				count++
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&overlap), "commands ran concurrently")
	assert.Equal(t, callers, count)
}

func TestCommandError(t *testing.T) {
	p := startProxy(t, nil, nil)
	errCmd := errors.New("command failed")
	assert.Equal(t, errCmd, p.Invoke(func(*proc.Exec) error { return errCmd }))

	err := p.Invoke(func(*proc.Exec) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the worker survives both
	_, err = p.Processes()
	assert.NoError(t, err)
	_, err = p.Process(1)
	assert.Equal(t, proc.ErrUnknownProcess, err)
}

func TestShutdownFailsQueuedInvoke(t *testing.T) {
	p := startProxy(t, nil, nil)

	release := make(chan struct{})
	running := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- p.Invoke(func(*proc.Exec) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	queued := make(chan error, 1)
	go func() {
		queued <- p.Invoke(func(*proc.Exec) error { return nil })
	}()
	require.Eventually(t, func() bool { return len(p.cmds) == 1 }, 5*time.Second, time.Millisecond)

	shutdown := make(chan error, 1)
	go func() { shutdown <- p.Shutdown() }()
	require.Eventually(t, func() bool {
		select {
		case <-p.quit:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	close(release)

	assert.NoError(t, <-first)
	assert.Equal(t, ErrSessionClosed, <-queued)
	assert.NoError(t, <-shutdown)
}

func TestSessionOnSim(t *testing.T) {
	a, prog := program(t)
	n := newNotifier()
	p := startProxy(t, n, prog)

	info, err := p.Launch(&proc.LaunchConfig{Path: testPath})
	require.NoError(t, err)
	assert.Equal(t, testPath, info.Path)
	assert.Equal(t, proc.CreateLaunched, info.CreateMethod)
	require.Equal(t, "load", n.wait(t))
	pid := info.Pid
	tid := int(atomic.LoadInt32(&n.tid))

	info, err = p.Process(pid)
	require.NoError(t, err)
	assert.True(t, info.Stopped)
	assert.True(t, info.ReachedLoaderBP)

	f := a.Addr("f")
	require.NoError(t, p.SetBreakpoint(pid, f, 1))
	bps, err := p.Breakpoints(pid)
	require.NoError(t, err)
	assert.Equal(t, []BreakpointInfo{{Addr: f, Cookies: []proc.Cookie{1}, Patched: true}}, bps)

	buf := make([]byte, 1)
	read, unreadable, err := p.ReadMemory(pid, f, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, read)
	assert.Equal(t, 0, unreadable)
	assert.Equal(t, byte(0x90), buf[0], "breakpoint patches are hidden")

	require.NoError(t, p.Continue(pid, false))
	assert.Equal(t, fmt.Sprintf("breakpoint %#x", f), n.wait(t))
	regs, err := p.Registers(pid, tid)
	require.NoError(t, err)
	assert.Equal(t, f, regs.PC)

	require.NoError(t, p.StepInstruction(pid, false, false))
	assert.Equal(t, "step", n.wait(t))
	regs, err = p.Registers(pid, tid)
	require.NoError(t, err)
	assert.Equal(t, f+1, regs.PC)

	require.NoError(t, p.SingleStep(pid, false))
	assert.Equal(t, "step", n.wait(t))
	regs, err = p.Registers(pid, tid)
	require.NoError(t, err)
	assert.Equal(t, f+2, regs.PC)

	require.NoError(t, p.StepOut(pid, a.Addr("after"), false))
	assert.Equal(t, "step", n.wait(t))
	regs, err = p.Registers(pid, tid)
	require.NoError(t, err)
	assert.Equal(t, a.Addr("after"), regs.PC)

	threads, err := p.Threads(pid)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, tid, threads[0].ID)
	mods, err := p.Modules(pid)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, uint64(textBase), mods[0].Base)

	require.NoError(t, p.RemoveBreakpoint(pid, f, 1))
	require.NoError(t, p.Execute(pid, false))
	assert.Equal(t, "exit 7", n.wait(t))

	_, err = p.Process(pid)
	var exited proc.ErrProcessExited
	require.True(t, errors.As(err, &exited), "unexpected error %v", err)
	assert.Equal(t, 7, exited.Status)
}

func TestInvokeFromCallback(t *testing.T) {
	_, prog := program(t)
	n := newNotifier()
	p := startProxy(t, n, prog)

	var (
		regs proc.RegisterSnapshot
		err  error
	)
	n.onLoad = func(pi proc.ProcessInfo, tid int) {
		regs, err = p.Registers(pi.Pid, tid)
	}
	_, lerr := p.Launch(&proc.LaunchConfig{Path: testPath})
	require.NoError(t, lerr)
	require.Equal(t, "load", n.wait(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(textBase), regs.PC)
}

func TestOnWorker(t *testing.T) {
	p := startProxy(t, proc.NopEventCallback{}, nil)
	assert.False(t, p.onWorker())

	var inside bool
	require.NoError(t, p.Invoke(func(*proc.Exec) error {
		inside = p.onWorker()
		return nil
	}))
	assert.True(t, inside)
	assert.NotZero(t, p.workerID.Load())
}

func TestStepOnRunningProcess(t *testing.T) {
	a := sim.NewAsm(textBase)
	a.Label("main").JmpShort("main")
	code, err := a.Build()
	require.NoError(t, err)
	n := newNotifier()
	p := startProxy(t, n, &sim.Program{Main: sim.Image{Path: testPath, Base: textBase, Code: code}})

	info, err := p.Launch(&proc.LaunchConfig{Path: testPath})
	require.NoError(t, err)
	require.Equal(t, "load", n.wait(t))
	require.NoError(t, p.Continue(info.Pid, false))

	assert.Equal(t, proc.ErrNotStopped, p.StepInstruction(info.Pid, false, false))
	require.NoError(t, p.AsyncBreak(info.Pid))
	require.Eventually(t, func() bool {
		info, err := p.Process(info.Pid)
		return err == nil && info.Stopped
	}, 10*time.Second, time.Millisecond)
	require.NoError(t, p.Terminate(info.Pid))
	assert.Contains(t, n.wait(t), "exit")
}
