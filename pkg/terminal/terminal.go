package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/go-delve/dexec/pkg/config"
	"github.com/go-delve/dexec/pkg/proc"
	"github.com/go-delve/dexec/pkg/proxy"
)

const historyFile string = ".dexec_history"

// Symbolizer names code addresses and finds the functions containing
// them. Its methods are only called on the proxy worker.
type Symbolizer interface {
	proc.SymbolStore
	Lookup(pid int, pc uint64) (name string, offset uint64, ok bool)
}

type breakpointRef struct {
	pid  int
	addr uint64
}

// Term represents the terminal running dexec.
type Term struct {
	proxy    *proxy.Proxy
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	stdout   *colorWriter
	notifier *Notifier
	symbols  Symbolizer

	// pid and tid select the process and thread commands apply to.
	pid, tid int

	breakpoints      map[uint64]breakpointRef
	lastBreakpointID uint64

	runningMutex sync.Mutex
	running      bool
}

// New returns a new Term driving p. n must be the event callback of p.
// symbols can be nil.
func New(p *proxy.Proxy, conf *config.Config, n *Notifier, symbols Symbolizer) *Term {
	t := newTerm(p, conf, n, symbols)
	t.line = liner.NewLiner()
	return t
}

func newTerm(p *proxy.Proxy, conf *config.Config, n *Notifier, symbols Symbolizer) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		proxy:       p,
		conf:        conf,
		prompt:      "(dexec) ",
		cmds:        cmds,
		stdout:      n.out,
		notifier:    n,
		symbols:     symbols,
		breakpoints: make(map[uint64]breakpointRef),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) setRunning(running bool) {
	t.runningMutex.Lock()
	t.running = running
	t.runningMutex.Unlock()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.runningMutex.Lock()
		running, pid := t.running, t.pid
		t.runningMutex.Unlock()
		if !running || pid == 0 {
			fmt.Fprintln(os.Stderr, "received SIGINT, type 'exit' to quit")
			continue
		}
		fmt.Printf("received SIGINT, stopping process (will not forward signal)\n")
		if err := t.proxy.AsyncBreak(pid); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Launch starts a process and waits until its image is loaded.
func (t *Term) Launch(cfg *proc.LaunchConfig) error {
	return t.resume(func() error {
		info, err := t.proxy.Launch(cfg)
		if err != nil {
			return err
		}
		t.pid = info.Pid
		return nil
	})
}

// Attach attaches to pid and waits for the initial stop.
func (t *Term) Attach(pid int) error {
	return t.resume(func() error {
		info, err := t.proxy.Attach(pid)
		if err != nil {
			return err
		}
		t.pid = info.Pid
		return nil
	})
}

// resume runs fn, which lets a process run, and waits for the next stop.
func (t *Term) resume(fn func() error) error {
	t.drainStops()
	t.setRunning(true)
	defer t.setRunning(false)
	if err := fn(); err != nil {
		return err
	}
	return t.waitForStop()
}

func (t *Term) drainStops() {
	for {
		select {
		case <-t.notifier.Stops():
		default:
			return
		}
	}
}

func (t *Term) waitForStop() error {
	s := <-t.notifier.Stops()
	t.runningMutex.Lock()
	defer t.runningMutex.Unlock()
	if s.Exited {
		t.forgetProcessLocked(s.Pid)
		return nil
	}
	t.pid = s.Pid
	if s.Tid != 0 {
		t.tid = s.Tid
	}
	return nil
}

// forgetProcess drops the state kept about pid and selects another
// process, if any.
func (t *Term) forgetProcess(pid int) {
	t.runningMutex.Lock()
	defer t.runningMutex.Unlock()
	t.forgetProcessLocked(pid)
}

func (t *Term) forgetProcessLocked(pid int) {
	for id, ref := range t.breakpoints {
		if ref.pid == pid {
			delete(t.breakpoints, id)
		}
	}
	if t.pid != pid {
		return
	}
	t.pid, t.tid = 0, 0
	ps, err := t.proxy.Processes()
	if err != nil {
		return
	}
	for _, p := range ps {
		if p.Pid != pid && !p.Deleted {
			t.pid = p.Pid
			break
		}
	}
}

// symbol returns the function containing pc, as name+offset.
func (t *Term) symbol(pid int, pc uint64) string {
	if t.symbols == nil {
		return ""
	}
	var s string
	_ = t.proxy.Invoke(func(*proc.Exec) error {
		if name, off, ok := t.symbols.Lookup(pid, pc); ok {
			s = fmt.Sprintf("%s+%#x", name, off)
		}
		return nil
	})
	return s
}

// location formats addr with the function it belongs to.
func (t *Term) location(pid int, addr uint64) string {
	if s := t.symbol(pid, addr); s != "" {
		return fmt.Sprintf("%#x %s", addr, s)
	}
	return fmt.Sprintf("%#x", addr)
}

func (t *Term) functionRange(pid int, pc uint64) (r proc.AddressRange, ok bool) {
	if t.symbols == nil {
		return r, false
	}
	_ = t.proxy.Invoke(func(*proc.Exec) error {
		r, ok = t.symbols.FunctionRange(pid, pc)
		return nil
	})
	return r, ok
}

// printLocation prints where the current thread is stopped.
func (t *Term) printLocation() error {
	if t.pid == 0 {
		return nil
	}
	regs, err := t.proxy.Registers(t.pid, t.tid)
	if err != nil {
		return err
	}
	t.stdout.Println(ansiGreen, "> ", fmt.Sprintf("thread %d at %s", t.tid, t.location(t.pid, regs.PC)))
	return nil
}

// Run begins running dexec in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Send the engine a break-in request on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) (c []string) {
		return t.cmds.Complete(line)
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			var exited proc.ErrProcessExited
			if errors.As(err, &exited) {
				fmt.Fprintln(os.Stderr, err.Error())
				continue
			}
			if errors.Is(err, proxy.ErrSessionClosed) {
				return 1, err
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes", "":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	ps, err := t.proxy.Processes()
	if err != nil {
		return 1, err
	}
	for _, p := range ps {
		if p.CreateMethod != proc.CreateAttached || p.Deleted {
			// launched processes are killed when the proxy shuts down
			continue
		}
		kill, err := yesno(t.line, fmt.Sprintf("Would you like to kill process %d? [Y/n] ", p.Pid))
		if err != nil {
			return 2, io.EOF
		}
		if kill {
			err = t.proxy.Terminate(p.Pid)
		} else {
			err = t.proxy.Detach(p.Pid)
		}
		if err != nil {
			return 1, err
		}
	}
	return 0, nil
}
