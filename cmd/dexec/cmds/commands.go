package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/dexec/cmd/dexec/cmds/helphelpers"
	"github.com/go-delve/dexec/pkg/config"
	"github.com/go-delve/dexec/pkg/logflags"
	"github.com/go-delve/dexec/pkg/proc"
	"github.com/go-delve/dexec/pkg/proc/native"
	"github.com/go-delve/dexec/pkg/proc/sim"
	"github.com/go-delve/dexec/pkg/proxy"
	"github.com/go-delve/dexec/pkg/symtab"
	"github.com/go-delve/dexec/pkg/terminal"
	"github.com/go-delve/dexec/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// workingDir is the working directory for running the program.
	workingDir string
	// disableASLR is used to disable ASLR
	disableASLR bool
	// newConsole gives the launched program its own pseudo-terminal.
	newConsole bool
	// env is a comma separated list of KEY=VALUE pairs added to the
	// environment of the program.
	env string
	// redirects specifies redirect rules for stdin, stdout and stderr
	redirects []string

	// backend selection
	backend backendKind

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// backendKind is the value of the --backend flag.
type backendKind string

const (
	backendDefault backendKind = "default"
	backendNative  backendKind = "native"
	backendSim     backendKind = "sim"
)

var _ pflag.Value = (*backendKind)(nil)

func (b *backendKind) String() string { return string(*b) }

func (b *backendKind) Set(s string) error {
	switch k := backendKind(s); k {
	case backendDefault, backendNative, backendSim:
		*b = k
		return nil
	}
	return fmt.Errorf("unknown backend %q, run 'dexec help backend' for usage", s)
}

func (b *backendKind) Type() string { return "backend" }

const dexecCommandLongDesc = `dexec is a low level debugger for native processes.

dexec controls the execution of the processes it launches or attaches to: it
sets breakpoints, single steps instructions, steps over calls and out of
functions, and reads and writes their memory.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`dexec exec ./hello -- --verbose`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load configuration: %v\n", err)
		conf = &config.Config{}
	}
	backend = backendDefault
	if conf.Backend != "" {
		if err := backend.Set(conf.Backend); err != nil {
			fmt.Fprintf(os.Stderr, "Ignoring configured backend: %v\n", err)
		}
	}

	// Main dexec root command.
	rootCommand = &cobra.Command{
		Use:   "dexec",
		Short: "dexec is a debugger for native processes.",
		Long:  dexecCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dexec help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dexec help log').")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().BoolVarP(&disableASLR, "disable-aslr", "", conf.DisableASLR, "Disables address space randomization")
	rootCommand.PersistentFlags().BoolVarP(&newConsole, "new-console", "", conf.LaunchNewConsole, "Runs the program in its own pseudo-terminal.")
	rootCommand.PersistentFlags().Var(&backend, "backend", `Backend selection (see 'dexec help backend').`)
	rootCommand.PersistentFlags().StringVar(&env, "env", "", "Comma separated KEY=VALUE pairs added to the environment of the program.")
	rootCommand.PersistentFlags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for target process (see 'dexec help redirect')")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args...]",
		Short: "Execute a binary and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

The program stops once its image is loaded, before its entry point runs.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause dexec to take control of an already running process, and
begin a new debug session.  When exiting the debug session you will have the
option to let the process continue or kill it.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'demo' subcommand.
	demoCommand := &cobra.Command{
		Use:   "demo",
		Short: "Debug a small program running in the simulator.",
		Long: `Launches a small x86-64 program in the simulated backend and begins a debug session.

The program has symbols: main calls greet, which writes a greeting, and then calls
work three times. It runs on every platform.`,
		Run: func(cmd *cobra.Command, args []string) {
			backend = backendSim
			os.Exit(execute(0, []string{sim.DemoPath}, conf))
		},
	}
	rootCommand.AddCommand(demoCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dexec Debugger\n%s\n", version.DexecVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	default		Uses native on linux/amd64 and linux/386, sim everywhere else.
	native		Native ptrace backend.
	sim		Simulated x86-64 processes, only programs registered with the
			simulator can be launched (see 'dexec demo').

The backend can also be selected with the "backend" key of the configuration file.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	proxy		Log the commands and debug events handled by the worker
	exec		Log debug event dispatching (default)
	stepper		Log stepping state transitions
	breakpoints	Log breakpoint insertion and removal
	memory		Log memory reads and writes
	native		Log ptrace requests and wait statuses
	sim		Log the simulated backend
	symtab		Log symbol table loading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the target process can be controlled using the '-r' flag.

	-r stdin:/path/to/stdin
	-r stdout:/path/to/stdout
	-r stderr:/path/to/stderr

A redirect without a source applies to stdin: '-r /path/to/stdin'.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if !docCall {
			helphelpers.Prepare(cmd)
		}
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil, conf))
}

// session is the engine and terminal state of one run of dexec.
type session struct {
	factory  func() (proc.Backend, error)
	callback proc.EventCallback
	symbols  terminal.Symbolizer
	notifier *terminal.Notifier
}

// newSession wires the backend selected by kind to a notifier printing to
// out.
func newSession(kind backendKind, conf *config.Config, out io.Writer, colors bool) (*session, error) {
	if kind == backendDefault {
		kind = backendNative
		if !native.Supported {
			kind = backendSim
		}
	}
	switch kind {
	case backendSim:
		b := sim.New()
		if err := b.RegisterDemo(); err != nil {
			return nil, err
		}
		n := terminal.NewNotifier(out, colors, b)
		return &session{
			factory:  func() (proc.Backend, error) { return b, nil },
			callback: n,
			symbols:  b,
			notifier: n,
		}, nil
	case backendNative:
		store, err := symtab.New(conf.SymbolCacheSize, conf.DebugInfoDirectories)
		if err != nil {
			return nil, err
		}
		n := terminal.NewNotifier(out, colors, store)
		return &session{
			factory:  native.New,
			callback: store.Track(n),
			symbols:  store,
			notifier: n,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	out, colors := terminal.Output()
	s, err := newSession(backend, conf, out, colors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	p := proxy.New(proxy.Config{
		Backend:     s.factory,
		Callback:    s.callback,
		Symbols:     s.symbols,
		PollTimeout: conf.PollTimeout(),
	})
	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}()

	term := terminal.New(p, conf, s.notifier, s.symbols)
	if attachPid != 0 {
		err = term.Attach(attachPid)
	} else {
		var cfg *proc.LaunchConfig
		if cfg, err = launchConfig(processArgs, out); err == nil {
			err = term.Launch(cfg)
		}
	}
	if err != nil {
		term.Close()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func launchConfig(processArgs []string, out io.Writer) (*proc.LaunchConfig, error) {
	rd, err := parseRedirects(redirects)
	if err != nil {
		return nil, err
	}
	cfg := &proc.LaunchConfig{
		Path:        processArgs[0],
		Args:        processArgs[1:],
		WorkingDir:  workingDir,
		DisableASLR: disableASLR,
		NewConsole:  newConsole,
		Redirects:   rd,
	}
	if extra := splitEnv(env); len(extra) > 0 {
		cfg.Env = append(os.Environ(), extra...)
	}
	if cfg.NewConsole {
		cfg.ConsoleOutput = out
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir, _ = os.Getwd()
	}
	return cfg, nil
}

// parseRedirects reads the source:path rules of the --redirect flag.
func parseRedirects(rules []string) ([3]string, error) {
	var r [3]string
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, rule := range rules {
		source, path := "stdin", rule
		if i := strings.Index(rule, ":"); i >= 0 {
			source, path = rule[:i], rule[i+1:]
		}
		found := false
		for i := range names {
			if names[i] == source {
				if r[i] != "" {
					return r, fmt.Errorf("redirect error: %s redirected twice", source)
				}
				r[i] = path
				found = true
			}
		}
		if !found {
			return r, fmt.Errorf("redirect error: unknown source %q", source)
		}
		if path == "" {
			return r, fmt.Errorf("redirect error: empty path for %s", source)
		}
	}
	return r, nil
}

// splitEnv parses the KEY=VALUE pairs of a comma separated list.
func splitEnv(s string) []string {
	if s == "" {
		return nil
	}
	var env []string
	for _, kv := range strings.Split(s, ",") {
		if strings.Contains(kv, "=") {
			env = append(env, kv)
		}
	}
	return env
}
