// Package log2 is a leveled wrapper around stdlib log.
// - level filtering, e.g. show debug messages in tests only
// - safe concurrent change of log level
// - t.Logf() sink so parallel tests keep their output apart
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// ParseLevel accepts level names used in config files.
// Empty string means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err":
		return LError, nil
	case "", "info":
		return LInfo, nil
	case "debug":
		return LDebug, nil
	case "all":
		return LAll, nil
	}
	return LInfo, errors.NotValidf("log level=%q", s)
}

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf Func
	errfun atomic.Value // func(error)
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type Func func(format string, args ...interface{})
type FuncWriter struct{ Func }

func NewFunc(f Func, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.Func("%s", strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	lg := NewFunc(t.Logf, level)
	lg.SetFlags(LTestFlags)
	lg.fatalf = t.Fatalf
	return lg
}

func (lg *Log) Clone(level Level) *Log {
	if lg == nil {
		return nil
	}
	l := NewWriter(lg.w, level)
	l.SetFlags(lg.l.Flags())
	l.SetPrefix(lg.l.Prefix())
	l.fatalf = lg.fatalf
	if f := lg.errfun.Load(); f != nil {
		l.errfun.Store(f)
	}
	return l
}

// With returns a copy of lg at the same level with prefix appended.
func (lg *Log) With(prefix string) *Log {
	if lg == nil {
		return nil
	}
	l := lg.Clone(lg.Level())
	l.SetPrefix(lg.l.Prefix() + prefix + " ")
	return l
}

func (lg *Log) Level() Level {
	if lg == nil {
		return LError
	}
	return Level(atomic.LoadInt32((*int32)(&lg.level)))
}

func (lg *Log) SetLevel(l Level) {
	if lg == nil {
		return
	}
	atomic.StoreInt32((*int32)(&lg.level), int32(l))
}

func (lg *Log) SetFlags(f int) {
	if lg == nil {
		return
	}
	lg.l.SetFlags(f)
}

func (lg *Log) SetPrefix(prefix string) {
	if lg == nil {
		return
	}
	lg.l.SetPrefix(prefix)
}

func (lg *Log) Enabled(level Level) bool {
	if lg == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&lg.level)) >= int32(level)
}

func (lg *Log) Log(level Level, s string) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, s)
	}
}
func (lg *Log) Logf(level Level, format string, args ...interface{}) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, fmt.Sprintf(format, args...))
	}
}

// SetErrorFunc installs a hook called with every Error/Errorf message,
// used for error counters.
func (lg *Log) SetErrorFunc(f func(error)) {
	if lg == nil {
		return
	}
	lg.errfun.Store(f)
}

func (lg *Log) hookError(e error) {
	if lg == nil {
		return
	}
	if f, ok := lg.errfun.Load().(func(error)); ok && f != nil {
		f(e)
	}
}

func (lg *Log) Error(args ...interface{}) {
	var e error
	if len(args) == 1 {
		e, _ = args[0].(error)
	}
	if e == nil {
		e = fmt.Errorf("%s", fmt.Sprint(args...))
	}
	lg.hookError(e)
	lg.Log(LError, "error: "+fmt.Sprint(args...))
}
func (lg *Log) Errorf(format string, args ...interface{}) {
	lg.hookError(fmt.Errorf(format, args...))
	lg.Logf(LError, "error: "+format, args...)
}
func (lg *Log) Info(args ...interface{}) {
	lg.Log(LInfo, fmt.Sprint(args...))
}
func (lg *Log) Infof(format string, args ...interface{}) {
	lg.Logf(LInfo, format, args...)
}
func (lg *Log) Debug(args ...interface{}) {
	lg.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (lg *Log) Debugf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}

// Printf and Println make *Log usable as a third party library logger
// (paho mqtt.Logger). Messages go at debug level.
func (lg *Log) Printf(format string, args ...interface{}) {
	lg.Logf(LDebug, format, args...)
}
func (lg *Log) Println(args ...interface{}) {
	lg.Log(LDebug, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (lg *Log) Fatalf(format string, args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf(format, args...)
		return
	}
	lg.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (lg *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if lg != nil && lg.fatalf != nil {
		lg.fatalf("%s", s)
		return
	}
	lg.Log(LError, "fatal: "+s)
	os.Exit(1)
}
