// Package vlog is the kernel's structured, leveled logger, built in the
// shape of the teacher repository's log package: every call site passes a
// message plus an even list of key/value context pairs.
package vlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log severity, ordered least to most severe.
type Level int

const (
	LvlTrace Level = iota
	LvlDebug
	LvlInfo
	LvlWarn
	LvlError
	LvlCrit
)

var levelNames = map[Level]string{
	LvlTrace: "TRACE",
	LvlDebug: "DEBUG",
	LvlInfo:  "INFO ",
	LvlWarn:  "WARN ",
	LvlError: "ERROR",
	LvlCrit:  "CRIT ",
}

var levelColors = map[Level]color.Attribute{
	LvlTrace: color.FgHiBlack,
	LvlDebug: color.FgCyan,
	LvlInfo:  color.FgGreen,
	LvlWarn:  color.FgYellow,
	LvlError: color.FgRed,
	LvlCrit:  color.FgHiRed,
}

// Logger emits leveled, keyed log lines with a bound context prefix.
type Logger struct {
	ctx []interface{}
}

var (
	mu       sync.Mutex
	out      io.Writer = colorable.NewColorableStdout()
	useColor           = isatty.IsTerminal(os.Stdout.Fd())
	minLevel           = LvlInfo
)

// SetOutput redirects all logger output; ANSI color is enabled exactly
// when the caller passes tty=true (w itself is not inspected), mirroring
// the teacher's StreamHandler/TerminalFormat split.
func SetOutput(w io.Writer, tty bool) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	useColor = tty
}

// SetLevel sets the minimum level emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// Root returns an unbound root logger.
func Root() Logger { return Logger{} }

// New returns a child logger with additional bound key/value context.
func (l Logger) New(kv ...interface{}) Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(kv))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, kv...)
	return Logger{ctx: nctx}
}

func (l Logger) Trace(msg string, kv ...interface{}) { l.write(LvlTrace, msg, kv, false) }
func (l Logger) Debug(msg string, kv ...interface{}) { l.write(LvlDebug, msg, kv, false) }
func (l Logger) Info(msg string, kv ...interface{})  { l.write(LvlInfo, msg, kv, false) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.write(LvlWarn, msg, kv, false) }
func (l Logger) Error(msg string, kv ...interface{}) { l.write(LvlError, msg, kv, false) }

// Crit logs at the highest severity and captures a call stack, the way the
// teacher attaches a stack trace to fatal store/consensus errors.
func (l Logger) Crit(msg string, kv ...interface{}) { l.write(LvlCrit, msg, kv, true) }

func (l Logger) write(lvl Level, msg string, kv []interface{}, withStack bool) {
	if lvl < minLevel {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	line := fmt.Sprintf("%s[%s] %s", time.Now().UTC().Format("15:04:05.000"), levelNames[lvl], msg)
	all := make([]interface{}, 0, len(l.ctx)+len(kv))
	all = append(all, l.ctx...)
	all = append(all, kv...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if withStack {
		cs := stack.Trace().TrimRuntime()
		if len(cs) > 2 {
			line += fmt.Sprintf(" stack=%v", cs[2:min(len(cs), 8)])
		}
	}
	if useColor {
		line = color.New(levelColors[lvl]).Sprint(line)
	}
	fmt.Fprintln(out, line)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
