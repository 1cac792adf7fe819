// Package proxy serializes every command of the execution engine onto a
// single worker goroutine, which also pumps the debug events of the
// processes being debugged.
//
// The engine, its backend and its process registry are owned by the
// worker. Callers on other goroutines go through Invoke, or through the
// typed methods of Proxy that wrap it. Event callbacks run on the worker
// and may call back into the Proxy: commands issued from the worker run
// directly.
package proxy

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/go-delve/dexec/pkg/config"
	"github.com/go-delve/dexec/pkg/logflags"
	"github.com/go-delve/dexec/pkg/proc"
)

var (
	// ErrAlreadyStarted is returned by Start when the worker is running.
	ErrAlreadyStarted = errors.New("proxy already started")
	// ErrSessionClosed is returned by commands issued after Shutdown, or
	// pending when the worker stopped.
	ErrSessionClosed = errors.New("debug session closed")
)

// WorkerStartError is returned by Start when the worker could not set up
// the engine.
type WorkerStartError struct {
	Err error
}

func (e *WorkerStartError) Error() string {
	return fmt.Sprintf("could not start debug worker: %v", e.Err)
}

func (e *WorkerStartError) Unwrap() error { return e.Err }

// Command is a unit of work run on the worker with exclusive access to
// the engine.
type Command func(e *proc.Exec) error

// Config describes the engine run by the worker.
type Config struct {
	// Backend creates the debug backend. It is called on the worker.
	Backend func() (proc.Backend, error)
	// Callback receives the notifications of the engine, on the worker.
	Callback proc.EventCallback
	// Symbols answers function range queries, can be nil.
	Symbols proc.SymbolStore
	// PollTimeout bounds a single wait for a debug event. Zero selects
	// config.DefaultEventPollTimeout.
	PollTimeout time.Duration
}

type call struct {
	cmd  Command
	err  error
	done chan struct{}
}

// Proxy is the entry point to the execution engine for external callers.
type Proxy struct {
	conf Config

	mu       sync.Mutex
	started  bool
	shutdown bool

	cmds   chan *call
	quit   chan struct{}
	exited chan struct{}

	// set by the worker before it signals ready
	exec     *proc.Exec
	workerID atomic.Int64
	err      error

	log logflags.Logger
}

// New returns a proxy that is not started yet.
func New(conf Config) *Proxy {
	if conf.PollTimeout <= 0 {
		conf.PollTimeout = config.DefaultEventPollTimeout
	}
	return &Proxy{
		conf:   conf,
		cmds:   make(chan *call, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		log:    logflags.ProxyLogger(),
	}
}

// Start spawns the worker and waits until it is ready to accept commands.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	ready := make(chan struct{})
	go p.worker(ready)
	select {
	case <-ready:
		return nil
	case <-p.exited:
		return &WorkerStartError{Err: p.err}
	}
}

// Shutdown stops the worker, killing every process launched or attached
// through the proxy. Commands blocked in Invoke return ErrSessionClosed.
func (p *Proxy) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	started := p.started
	p.mu.Unlock()

	close(p.quit)
	if !started {
		close(p.exited)
		return nil
	}
	if p.onWorker() {
		// the worker exits once the running command returns
		return nil
	}
	<-p.exited
	return p.err
}

func (p *Proxy) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Invoke runs cmd on the worker and waits for it to complete. Commands
// invoked before Start are queued until the worker is ready.
func (p *Proxy) Invoke(cmd Command) error {
	if p.closed() {
		return ErrSessionClosed
	}
	if p.onWorker() {
		return cmd(p.exec)
	}

	c := &call{cmd: cmd, done: make(chan struct{})}
	select {
	case p.cmds <- c:
	case <-p.exited:
		return ErrSessionClosed
	}
	select {
	case <-c.done:
		return c.err
	case <-p.exited:
		select {
		case <-c.done:
			return c.err
		default:
			return ErrSessionClosed
		}
	}
}

func (p *Proxy) onWorker() bool {
	id := p.workerID.Load()
	return id != 0 && id == goid.Get()
}

func (p *Proxy) worker(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.exited)

	backend, err := p.conf.Backend()
	if err != nil {
		p.err = err
		return
	}
	p.exec = proc.NewExec(backend, p.conf.Callback, p.conf.Symbols)
	p.workerID.Store(goid.Get())
	close(ready)
	p.log.Debugf("worker ready, poll timeout %v", p.conf.PollTimeout)

	p.pollLoop()

	p.err = p.exec.Shutdown()
	if p.err != nil {
		p.log.Errorf("shutting down the engine: %v", p.err)
	}
	p.log.Debug("worker stopped")
}

// pollLoop alternates between waiting for one debug event and running
// at most one command, until shutdown.
func (p *Proxy) pollLoop() {
	for {
		select {
		case <-p.quit:
			return
		default:
		}

		if p.exec.Running() || p.exec.EventPending() {
			p.pumpEvent()
			select {
			case c := <-p.cmds:
				p.run(c)
			case <-p.quit:
				return
			default:
			}
			continue
		}

		// nothing can produce events until a command runs
		select {
		case c := <-p.cmds:
			p.run(c)
		case <-p.quit:
			return
		}
	}
}

func (p *Proxy) pumpEvent() {
	if !p.exec.EventPending() {
		err := p.exec.WaitForEvent(p.conf.PollTimeout)
		if errors.Is(err, proc.ErrWaitTimeout) {
			return
		}
		if err != nil {
			p.log.Errorf("waiting for debug event: %v", err)
			// keep the loop responsive to commands and shutdown
			time.Sleep(p.conf.PollTimeout)
			return
		}
	}
	if err := p.exec.DispatchEvent(); err != nil {
		p.log.Debugf("dispatching debug event: %v", err)
	}
}

func (p *Proxy) run(c *call) {
	defer close(c.done)
	defer func() {
		if ierr := recover(); ierr != nil {
			c.err = fmt.Errorf("command panicked: %v", ierr)
			p.log.Errorf("%v", c.err)
		}
	}()
	c.err = c.cmd(p.exec)
}
