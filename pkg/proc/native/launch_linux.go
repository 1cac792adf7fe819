//go:build linux && (amd64 || 386)

package native

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dexec/pkg/proc"
)

// Launch implements proc.Backend. The process is stopped after execve,
// before the dynamic loader ran.
func (b *Backend) Launch(cfg *proc.LaunchConfig) (int, proc.MachineType, error) {
	if b.closed {
		return 0, 0, proc.ErrShutdown
	}
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return 0, 0, err
	}
	machine, err := elfMachine(path)
	if err != nil {
		return 0, 0, err
	}

	stdin, stdout, stderr, closefn, err := openRedirects(cfg.Redirects)
	if err != nil {
		return 0, 0, err
	}
	defer closefn()

	var console, tty *os.File
	if cfg.NewConsole {
		console, tty, err = pty.Open()
		if err != nil {
			return 0, 0, fmt.Errorf("could not allocate a console: %w", err)
		}
		defer tty.Close()
	}

	var process *exec.Cmd
	b.execPtraceFunc(func() {
		if cfg.DisableASLR {
			defer disableASLR()()
		}
		process = exec.Command(path, cfg.Args...)
		process.Env = cfg.Env
		process.Dir = cfg.WorkingDir
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		if cfg.ConsoleOutput != nil {
			process.Stdout = cfg.ConsoleOutput
			process.Stderr = cfg.ConsoleOutput
		}
		if stdin != nil {
			process.Stdin = stdin
		}
		if stdout != nil {
			process.Stdout = stdout
		}
		if stderr != nil {
			process.Stderr = stderr
		}
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if tty != nil {
			if err = attachProcessToTTY(process, tty); err != nil {
				return
			}
		}
		err = process.Start()
	})
	if err != nil {
		if console != nil {
			console.Close()
		}
		return 0, 0, err
	}
	pid := process.Process.Pid

	var ws sys.WaitStatus
	b.execPtraceFunc(func() {
		_, err = sys.Wait4(pid, &ws, sys.WALL, nil)
		if err == nil && ws.Stopped() {
			err = sys.PtraceSetOptions(pid, sys.PTRACE_O_TRACECLONE)
		}
	})
	if err != nil || !ws.Stopped() {
		if console != nil {
			console.Close()
		}
		return 0, 0, fmt.Errorf("waiting for target execve failed: %v", err)
	}

	// the maps name the image by its resolved path
	exe := path
	if fsproc, err := procfs.NewProc(pid); err == nil {
		if resolved, err := fsproc.Executable(); err == nil {
			exe = resolved
		}
	}
	p := newProcess(pid, exe, machine)
	p.child = true
	if console != nil {
		p.console = console
		out := cfg.ConsoleOutput
		if out == nil {
			out = io.Discard
		}
		go io.Copy(out, console)
	}
	b.add(p)
	b.queueStartEvents(p)
	b.log.Debugf("launched %s as %d (%v)", path, pid, machine)
	return pid, machine, nil
}

// Attach implements proc.Backend. Threads started while attaching are
// picked up by listing the threads again until the list is stable.
func (b *Backend) Attach(pid int) (proc.MachineType, error) {
	if b.closed {
		return 0, proc.ErrShutdown
	}
	if _, ok := b.procs[pid]; ok {
		return 0, fmt.Errorf("process %d is already being debugged", pid)
	}
	fsproc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	exe, err := fsproc.Executable()
	if err != nil {
		return 0, err
	}
	machine, err := elfMachine(exe)
	if err != nil {
		return 0, err
	}

	p := newProcess(pid, exe, machine)
	delete(p.threads, pid)
	for {
		threads, err := procfs.AllThreads(pid)
		if err != nil {
			b.detachAll(p)
			return 0, err
		}
		added := 0
		for _, th := range threads {
			if _, ok := p.threads[th.PID]; ok {
				continue
			}
			b.execPtraceFunc(func() { err = attachThread(th.PID) })
			if err == sys.ESRCH {
				continue
			}
			if err != nil {
				b.detachAll(p)
				return 0, fmt.Errorf("could not attach to thread %d: %w", th.PID, err)
			}
			p.threads[th.PID] = &thread{tid: th.PID, stopped: true}
			added++
		}
		if added == 0 {
			break
		}
	}
	if _, ok := p.threads[pid]; !ok {
		b.detachAll(p)
		return 0, proc.ErrUnknownProcess
	}
	b.add(p)
	b.queueStartEvents(p)
	b.log.Debugf("attached to %d (%s, %v)", pid, exe, machine)
	return machine, nil
}

// attachThread attaches to tid and waits for the stop that follows.
func attachThread(tid int) error {
	if err := ptraceAttach(tid); err != nil {
		return err
	}
	var ws sys.WaitStatus
	if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
		return err
	}
	if !ws.Stopped() {
		return sys.ESRCH
	}
	return sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACECLONE)
}

func (b *Backend) detachAll(p *process) {
	for _, t := range p.threads {
		b.execPtraceFunc(func() { _ = ptraceDetach(t.tid, 0) })
	}
}

func newProcess(pid int, exe string, machine proc.MachineType) *process {
	return &process{
		pid:     pid,
		exe:     exe,
		machine: machine,
		threads: map[int]*thread{pid: {tid: pid, stopped: true}},
		stopped: true,
	}
}

// queueStartEvents reports the state of a process the backend just
// started tracing, the way a process that is created under the debugger
// would: process start, one start event per thread and module, then a
// break-in.
func (b *Backend) queueStartEvents(p *process) {
	maps, err := readMaps(p.pid)
	if err != nil {
		b.log.Debugf("could not read the maps of %d: %v", p.pid, err)
	}
	p.images = imageMappings(maps)
	bases := make([]uint64, 0, len(p.images))
	for base := range p.images {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	mainImage := &proc.ImageInfo{Path: p.exe, Machine: p.machine}
	for _, base := range bases {
		if p.images[base].path == p.exe {
			p.exeBase = base
			mainImage = imageInfo(p.images[base], p.machine)
			break
		}
	}

	leader := p.threads[p.pid]
	p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventProcessStart, Pid: p.pid, Tid: p.pid, StartAddr: b.pc(leader), Image: mainImage}})
	for _, t := range p.sortedThreads() {
		if t.tid == p.pid {
			continue
		}
		p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventThreadStart, Pid: p.pid, Tid: t.tid, StartAddr: b.pc(t)}})
	}
	for _, base := range bases {
		if base == p.exeBase {
			continue
		}
		p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventModuleLoad, Pid: p.pid, Tid: p.pid, Image: imageInfo(p.images[base], p.machine)}})
	}
	rec := proc.ExceptionRecord{Code: proc.ExceptionBreakIn, Address: b.pc(leader), FirstChance: true, Signal: int(sys.SIGTRAP)}
	p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventException, Pid: p.pid, Tid: p.pid, Exception: rec}})
}

// openRedirects opens the files named by redirects. Nil files leave the
// stream as configured by the caller.
func openRedirects(redirects [3]string) (stdin, stdout, stderr *os.File, closefn func(), err error) {
	var files []*os.File
	closefn = func() {
		for _, f := range files {
			f.Close()
		}
	}
	open := func(path string, flag int) *os.File {
		if path == "" || err != nil {
			return nil
		}
		var f *os.File
		f, err = os.OpenFile(path, flag, 0o666)
		if err != nil {
			return nil
		}
		files = append(files, f)
		return f
	}
	stdin = open(redirects[0], os.O_RDONLY)
	stdout = open(redirects[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	stderr = open(redirects[2], os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		closefn()
		return nil, nil, nil, func() {}, err
	}
	return stdin, stdout, stderr, closefn, nil
}

func attachProcessToTTY(process *exec.Cmd, tty *os.File) error {
	if !isatty.IsTerminal(tty.Fd()) {
		return fmt.Errorf("%s is not a terminal", tty.Name())
	}
	process.Stdin = tty
	process.Stdout = tty
	process.Stderr = tty
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true
	return nil
}
