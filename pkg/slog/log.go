// Package slog is a small levelled logger with colourised level tags and the
// source location of the call site appended to every line.
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...interface{})
	// F prints like fmt.Printf surrounded by log details
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice
	S func(a ...interface{})
	// C accepts a function so that the extra computation can be avoided if it
	// is not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err uses fmt.Errorf to construct an error and returns it after printing
	// it to the log
	Err func(format string, a ...interface{}) error

	// LevelPrinter is the set of printing primitives for one level.
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}
	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
	// Log is a set of log printers for the various Level items.
	Log struct {
		F, E, W, I, D, T LevelPrinter
	}
	Check struct {
		F, E, W, I, D, T Chk
	}
)

var (
	currentLevel atomic.Int32
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
)

func init() {
	currentLevel.Store(Info)
	if lvl := os.Getenv("GODEBUG"); lvl != "" {
		SetLogLevel(LevelFromString(lvl))
	}
}

// LevelFromString maps a level name, or any unambiguous prefix of one, onto a
// level. Unknown names give Info.
func LevelFromString(s string) (l int) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "on":
		return Debug
	case "0", "false":
		return Off
	case "":
		return Info
	}
	for i := range LevelSpecs {
		name := levelNames[i]
		if strings.HasPrefix(name, s) {
			return LevelSpecs[i].ID
		}
	}
	return Info
}

var levelNames = []string{"off", "fatal", "error", "warn", "info", "debug",
	"trace"}

// SetLogLevel sets the maximum level that is printed.
func SetLogLevel(l int) {
	if l < Off {
		l = Off
	}
	if l > Trace {
		l = Trace
	}
	currentLevel.Store(int32(l))
}

func GetLogLevel() (l int) { return int(currentLevel.Load()) }

func enabled(l int32) bool { return l <= currentLevel.Load() }

func JoinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func GetPrinter(l int32, writer io.Writer) LevelPrinter {
	emit := func(text string) {
		fmt.Fprintf(writer, "%s %s %s\n",
			LevelSpecs[l].Colorizer(LevelSpecs[l].Name), text, GetLoc(3))
	}
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if enabled(l) {
				emit(JoinStrings(a...))
			}
		},
		F: func(format string, a ...interface{}) {
			if enabled(l) {
				emit(fmt.Sprintf(format, a...))
			}
		},
		S: func(a ...interface{}) {
			if enabled(l) {
				emit(spew.Sdump(a...))
			}
		},
		C: func(closure func() string) {
			if enabled(l) {
				emit(closure())
			}
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if enabled(l) {
				emit(e.Error())
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			err := fmt.Errorf(format, a...)
			if enabled(l) {
				emit(err.Error())
			}
			return err
		},
	}
}

// New creates a set of level printers writing to writer, and the matching
// error checkers.
func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	split := strings.Split(file, string(os.PathSeparator))
	if len(split) > 2 {
		file = strings.Join(split[len(split)-2:], string(os.PathSeparator))
	}
	output = color.Bit24(0, 128, 255, false).Sprint(file, ":", line)
	return
}

// Badger adapts a Log to the logger interface badger expects.
type Badger struct{ *Log }

func (b Badger) Errorf(s string, a ...interface{})   { b.E.F(strings.TrimSpace(s), a...) }
func (b Badger) Warningf(s string, a ...interface{}) { b.W.F(strings.TrimSpace(s), a...) }
func (b Badger) Infof(s string, a ...interface{})    { b.D.F(strings.TrimSpace(s), a...) }
func (b Badger) Debugf(s string, a ...interface{})   { b.T.F(strings.TrimSpace(s), a...) }
