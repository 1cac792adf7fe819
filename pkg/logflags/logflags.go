package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var proxy = false
var exec = false
var stepper = false
var breakpoints = false
var memory = false
var native = false
var sim = false
var symtab = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Proxy returns true if the command proxy should log every command it
// marshals onto the worker.
func Proxy() bool {
	return proxy
}

// ProxyLogger returns a logger for the command proxy.
func ProxyLogger() Logger {
	return makeFlaggableLogger(proxy, Fields{"layer": "proxy"})
}

// Exec returns true if debug events dispatched by the engine should be
// logged.
func Exec() bool {
	return exec
}

// ExecLogger returns a logger for the execution engine.
func ExecLogger() Logger {
	return makeFlaggableLogger(exec, Fields{"layer": "exec"})
}

// Stepper returns true if stepper transitions should be logged.
func Stepper() bool {
	return stepper
}

// StepperLogger returns a logger for the stepping engine.
func StepperLogger() Logger {
	return makeFlaggableLogger(stepper, Fields{"layer": "exec", "kind": "stepper"})
}

// Breakpoints returns true if breakpoint patching should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "exec", "kind": "breakpoints"})
}

// Memory returns true if memory region scans should be logged.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for memory access.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memory, Fields{"layer": "exec", "kind": "memory"})
}

// Native returns true if the native backend should log ptrace activity.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Sim returns true if the simulated backend should log executed
// instructions.
func Sim() bool {
	return sim
}

// SimLogger returns a logger for the simulated backend.
func SimLogger() Logger {
	return makeFlaggableLogger(sim, Fields{"layer": "sim"})
}

// Symtab returns true if the symbol store should log image loading.
func Symtab() bool {
	return symtab
}

// SymtabLogger returns a logger for the symbol store.
func SymtabLogger() Logger {
	return makeFlaggableLogger(symtab, Fields{"layer": "symtab"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dexec-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "exec"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "dexec help log" in cmd/dexec/cmds.
		switch logcmd {
		case "proxy":
			proxy = true
		case "exec":
			exec = true
		case "stepper":
			stepper = true
		case "breakpoints":
			breakpoints = true
		case "memory":
			memory = true
		case "native":
			native = true
		case "sim":
			sim = true
		case "symtab":
			symtab = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dexec help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
