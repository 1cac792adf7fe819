package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiMagenta = 35
	ansiCyan    = 36
)

// Output returns a writer for the standard output that understands ANSI
// escape codes, and whether colors should be used at all.
func Output() (io.Writer, bool) {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd()) {
		return os.Stdout, false
	}
	return colorable.NewColorableStdout(), true
}

// colorWriter prefixes the lines it prints with a colored marker.
type colorWriter struct {
	w      io.Writer
	colors bool
}

func (cw *colorWriter) Write(p []byte) (int, error) {
	return cw.w.Write(p)
}

// Println writes str on a line of its own, after a highlighted prefix.
func (cw *colorWriter) Println(color int, prefix, str string) {
	if cw.colors && prefix != "" {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode, color) + prefix + terminalResetEscapeCode
	}
	fmt.Fprintf(cw.w, "%s%s\n", prefix, str)
}
