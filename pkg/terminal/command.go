// Package terminal implements functions for responding to user
// input and dispatching to appropriate proxy commands.
package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/dexec/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Commands represents the commands of the dexec terminal.
type Commands struct {
	cmds []command
	// names maps every alias to the index of its command.
	names *trie.Trie
}

var (
	noCmdError        = errors.New("command not available")
	errNoProcess      = errors.New("no process is being debugged")
	errAmbiguousAlias = errors.New("ambiguous command")
)

// ExitRequestError is returned when the user asks to quit.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"launch"}, group: processCmds, cmdFn: launch, helpMsg: `Starts a program under the debugger.

	launch <path> [args...]

The program stops once its image is loaded.`},
		{aliases: []string{"attach"}, group: processCmds, cmdFn: attach, helpMsg: `Attaches to a running process.

	attach <pid>`},
		{aliases: []string{"kill"}, group: processCmds, cmdFn: kill, helpMsg: `Terminates the current process.`},
		{aliases: []string{"detach"}, group: processCmds, cmdFn: detach, helpMsg: `Detaches from the current process and lets it run.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Runs until a breakpoint, an exception or the end of the program.

	continue [-handled]

The exception the process is stopped at, if any, is delivered to the program
unless -handled is passed. Steps in progress carry on.`},
		{aliases: []string{"execute", "e"}, group: runCmds, cmdFn: execute, helpMsg: `Cancels every step in progress and runs the program.

	execute [-handled]`},
		{aliases: []string{"single-step", "ss"}, group: runCmds, cmdFn: singleStep, helpMsg: `Executes exactly one cpu instruction with the trap flag set.`},
		{aliases: []string{"step-instruction", "si"}, group: runCmds, cmdFn: stepInstruction(true), helpMsg: `Single steps a single cpu instruction, stepping into calls.`},
		{aliases: []string{"next-instruction", "ni"}, group: runCmds, cmdFn: stepInstruction(false), helpMsg: `Single steps a single cpu instruction, stepping over calls.`},
		{aliases: []string{"stepout", "so"}, group: runCmds, cmdFn: stepOut, helpMsg: `Runs until the current function returns.

	stepout [address]

Without an address the return address is read from the stack.`},
		{aliases: []string{"steprange", "sr"}, group: runCmds, cmdFn: stepRange, helpMsg: `Steps until the program counter leaves an address range.

	steprange [-in] <begin> <end>

Both ends of the range are inclusive. Calls are stepped over unless -in is passed.
When no range is given the range of the current function is used.`},
		{aliases: []string{"cancel"}, group: runCmds, cmdFn: cancelStep, helpMsg: `Cancels every step in progress in the current process.`},
		{aliases: []string{"halt"}, group: runCmds, cmdFn: halt, helpMsg: `Stops the current process.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address>`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearBreakpoint, helpMsg: `Deletes a breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Prints out the breakpoints of the current process.`},
		{aliases: []string{"examine", "x"}, group: dataCmds, cmdFn: examine, helpMsg: `Examines memory.

	examine <address> [count]

Prints count bytes, 64 by default. Unreadable bytes are shown as ??.`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMemory, helpMsg: `Writes bytes to memory.

	write <address> <hex bytes>

Breakpoints covered by the write stay in place.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Prints the registers of the current thread.`},
		{aliases: []string{"processes", "ps"}, group: threadCmds, cmdFn: processes, helpMsg: `Lists the processes being debugged.`},
		{aliases: []string{"process"}, group: threadCmds, cmdFn: switchProcess, helpMsg: `Switches to the specified process.

	process <pid>`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Lists the threads of the current process.`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switches to the specified thread.

	thread <id>`},
		{aliases: []string{"modules", "mods"}, group: threadCmds, cmdFn: modules, helpMsg: `Lists the modules loaded in the current process.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exits the debugger.

Processes that were launched are killed, attached processes are detached from.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.names = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
}

// Find returns the command named cmdstr. A prefix of a name selects the
// command if every name it prefixes belongs to that command.
func (c *Commands) Find(cmdstr string) (cmdfunc, error) {
	if cmdstr == "" {
		return nullCommand, nil
	}
	if node, ok := c.names.Find(cmdstr); ok {
		return c.cmds[node.Meta().(int)].cmdFn, nil
	}
	found := -1
	for _, name := range c.names.PrefixSearch(cmdstr) {
		node, ok := c.names.Find(name)
		if !ok {
			continue
		}
		i := node.Meta().(int)
		if found >= 0 && found != i {
			return nil, fmt.Errorf("%w: %q", errAmbiguousAlias, cmdstr)
		}
		found = i
	}
	if found < 0 {
		return nil, noCmdError
	}
	return c.cmds[found].cmdFn, nil
}

// Complete returns the command names starting with prefix.
func (c *Commands) Complete(prefix string) []string {
	r := c.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	fn, err := c.Find(cmdname)
	if err != nil {
		return err
	}
	return fn(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func splitArgs(args string) ([]string, error) {
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// parseHandled reads the optional -handled flag of the commands that
// resume the process.
func parseHandled(args string) (bool, error) {
	switch args {
	case "":
		return false, nil
	case "-handled":
		return true, nil
	}
	return false, fmt.Errorf("unknown argument %q", args)
}

func launch(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return errors.New("not enough arguments")
	}
	return t.Launch(&proc.LaunchConfig{Path: v[0], Args: v[1:]})
}

func attach(t *Term, args string) error {
	pid, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid pid %q", args)
	}
	return t.Attach(pid)
}

func kill(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	pid := t.pid
	return t.resume(func() error { return t.proxy.Terminate(pid) })
}

func detach(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	if err := t.proxy.Detach(t.pid); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d\n", t.pid)
	t.forgetProcess(t.pid)
	return nil
}

func cont(t *Term, args string) error {
	handled, err := parseHandled(args)
	if err != nil {
		return err
	}
	if t.pid == 0 {
		return errNoProcess
	}
	pid := t.pid
	return t.resume(func() error { return t.proxy.Continue(pid, handled) })
}

func execute(t *Term, args string) error {
	handled, err := parseHandled(args)
	if err != nil {
		return err
	}
	if t.pid == 0 {
		return errNoProcess
	}
	pid := t.pid
	return t.resume(func() error { return t.proxy.Execute(pid, handled) })
}

func stepInstruction(stepIn bool) cmdfunc {
	return func(t *Term, args string) error {
		if t.pid == 0 {
			return errNoProcess
		}
		pid := t.pid
		if err := t.resume(func() error { return t.proxy.StepInstruction(pid, stepIn, false) }); err != nil {
			return err
		}
		return t.printLocation()
	}
}

func singleStep(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	pid := t.pid
	if err := t.resume(func() error { return t.proxy.SingleStep(pid, false) }); err != nil {
		return err
	}
	return t.printLocation()
}

func stepOut(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	var target uint64
	if args != "" {
		var err error
		if target, err = parseAddr(args); err != nil {
			return err
		}
	}
	pid := t.pid
	if err := t.resume(func() error { return t.proxy.StepOut(pid, target, false) }); err != nil {
		return err
	}
	return t.printLocation()
}

func stepRange(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	stepIn := false
	if len(v) > 0 && v[0] == "-in" {
		stepIn = true
		v = v[1:]
	}
	var r proc.AddressRange
	switch len(v) {
	case 0:
		regs, err := t.proxy.Registers(t.pid, t.tid)
		if err != nil {
			return err
		}
		var ok bool
		if r, ok = t.functionRange(t.pid, regs.PC); !ok {
			return fmt.Errorf("no function at %#x", regs.PC)
		}
	case 2:
		if r.Begin, err = parseAddr(v[0]); err != nil {
			return err
		}
		if r.End, err = parseAddr(v[1]); err != nil {
			return err
		}
		if r.End < r.Begin {
			return errors.New("range ends before it begins")
		}
	default:
		return errors.New("wrong number of arguments")
	}
	pid := t.pid
	if err := t.resume(func() error { return t.proxy.StepRange(pid, stepIn, []proc.AddressRange{r}, false) }); err != nil {
		return err
	}
	return t.printLocation()
}

func cancelStep(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	return t.proxy.CancelStep(t.pid)
}

func halt(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	pid := t.pid
	return t.resume(func() error { return t.proxy.AsyncBreak(pid) })
}

func breakpoint(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	addr, err := parseAddr(args)
	if err != nil {
		return err
	}
	t.lastBreakpointID++
	id := t.lastBreakpointID
	if err := t.proxy.SetBreakpoint(t.pid, addr, proc.Cookie(id)); err != nil {
		return err
	}
	t.breakpoints[id] = breakpointRef{pid: t.pid, addr: addr}
	fmt.Fprintf(t.stdout, "Breakpoint %d set at %s\n", id, t.location(t.pid, addr))
	return nil
}

func clearBreakpoint(t *Term, args string) error {
	id, err := strconv.ParseUint(args, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid breakpoint id %q", args)
	}
	ref, ok := t.breakpoints[id]
	if !ok {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	if err := t.proxy.RemoveBreakpoint(ref.pid, ref.addr, proc.Cookie(id)); err != nil {
		return err
	}
	delete(t.breakpoints, id)
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %#x\n", id, ref.addr)
	return nil
}

func breakpoints(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	bps, err := t.proxy.Breakpoints(t.pid)
	if err != nil {
		return err
	}
	for _, bp := range bps {
		ids := make([]string, len(bp.Cookies))
		for i, c := range bp.Cookies {
			ids[i] = strconv.FormatUint(uint64(c), 10)
		}
		state := ""
		if !bp.Patched {
			state = " (stepping over)"
		}
		fmt.Fprintf(t.stdout, "Breakpoint %s at %s%s\n", strings.Join(ids, ","), t.location(t.pid, bp.Addr), state)
	}
	return nil
}

func examine(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	count := 64
	if len(v) == 2 {
		if count, err = strconv.Atoi(v[1]); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", v[1])
		}
	}
	buf := make([]byte, count)
	read := t.proxy.ReadMemory
	if t.conf.ShowPatchedBytes {
		read = t.proxy.ReadRawMemory
	}
	n, _, err := read(t.pid, addr, buf)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, hexdump(addr, buf, n))
	return nil
}

// hexdump formats data read at addr, 16 bytes per line. Bytes past read
// are shown as unreadable.
func hexdump(addr uint64, data []byte, read int) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		fmt.Fprintf(&sb, "%#016x:", addr+uint64(off))
		for i := off; i < off+16 && i < len(data); i++ {
			if i < read {
				fmt.Fprintf(&sb, " %02x", data[i])
			} else {
				sb.WriteString(" ??")
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func writeMemory(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(v[1:], ""))
	if err != nil {
		return fmt.Errorf("invalid bytes: %v", err)
	}
	n, err := t.proxy.WriteMemory(t.pid, addr, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d bytes written at %#x\n", n, addr)
	return nil
}

func regs(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	r, err := t.proxy.Registers(t.pid, t.tid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "PC\t%#016x\t%s\n", r.PC, t.symbol(t.pid, r.PC))
	fmt.Fprintf(w, "SP\t%#016x\t\n", r.SP)
	fmt.Fprintf(w, "BP\t%#016x\t\n", r.BP)
	return w.Flush()
}

func processes(t *Term, args string) error {
	ps, err := t.proxy.Processes()
	if err != nil {
		return err
	}
	for _, p := range ps {
		cur := " "
		if p.Pid == t.pid {
			cur = "*"
		}
		state := "running"
		switch {
		case p.Terminating:
			state = "terminating"
		case p.Stopped:
			state = "stopped"
		}
		fmt.Fprintf(t.stdout, "%s Process %d %s (%s, %s)\n", cur, p.Pid, p.Path, p.CreateMethod, state)
	}
	return nil
}

func switchProcess(t *Term, args string) error {
	pid, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid pid %q", args)
	}
	if _, err := t.proxy.Process(pid); err != nil {
		return err
	}
	t.pid = pid
	t.tid = 0
	threads, err := t.proxy.Threads(pid)
	if err == nil && len(threads) > 0 {
		t.tid = threads[0].ID
	}
	fmt.Fprintf(t.stdout, "Switched to process %d\n", pid)
	return nil
}

func threads(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	ths, err := t.proxy.Threads(t.pid)
	if err != nil {
		return err
	}
	sort.Slice(ths, func(i, j int) bool { return ths[i].ID < ths[j].ID })
	for _, th := range ths {
		cur := " "
		if th.ID == t.tid {
			cur = "*"
		}
		stepping := ""
		if th.Stepping {
			stepping = " stepping"
		}
		fmt.Fprintf(t.stdout, "%s Thread %d start %s%s\n", cur, th.ID, t.location(t.pid, th.StartAddr), stepping)
	}
	return nil
}

func thread(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid thread id %q", args)
	}
	ths, err := t.proxy.Threads(t.pid)
	if err != nil {
		return err
	}
	for _, th := range ths {
		if th.ID == tid {
			t.tid = tid
			fmt.Fprintf(t.stdout, "Switched to thread %d\n", tid)
			return nil
		}
	}
	return proc.ErrUnknownThread
}

func modules(t *Term, args string) error {
	if t.pid == 0 {
		return errNoProcess
	}
	mods, err := t.proxy.Modules(t.pid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, m := range mods {
		fmt.Fprintf(w, "%#016x\t%#x\t%s\t%v\n", m.Base, m.Size, m.Name, m.Machine)
	}
	return w.Flush()
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
