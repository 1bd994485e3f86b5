// Package log is leveled logging on top of stdlib logger.
// Lines are filtered by github.com/hashicorp/logutils, and level can be changed at runtime
// by verbosity command.
package log

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/logutils"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
	// With returns logger that prefixes every line with key=value.
	// Derived logger shares level with parent.
	With(key string, value interface{}) Logger
}

// LevelSetter is implemented by loggers which level can be changed at runtime.
type LevelSetter interface {
	SetLevel(l Level)
	Level() Level
}

type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "Level(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l]
}

// LevelFromString parses level name. Case insensitive.
func LevelFromString(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return 0, errors.New("invalid level " + s)
}

const stdFlags = log.LstdFlags | log.Lmicroseconds | log.Lshortfile

// output is shared by logger and all loggers derived from it.
type output struct {
	w     io.Writer
	level int32        // Atomic.
	std   atomic.Value // *log.Logger writing through level filter.
}

func (o *output) setLevel(l Level) {
	filter := &logutils.LevelFilter{
		Levels:   make([]logutils.LogLevel, len(levelNames)),
		MinLevel: logutils.LogLevel(l.String()),
		Writer:   o.w,
	}
	for i, name := range levelNames {
		filter.Levels[i] = logutils.LogLevel(name)
	}
	o.std.Store(log.New(filter, "", stdFlags))
	atomic.StoreInt32(&o.level, int32(l))
}

func NewLogger(l Level, w io.Writer) Logger {
	o := &output{w: w}
	o.setLevel(l)
	return &logger{out: o}
}

type logger struct {
	out    *output
	prefix string
}

var _ LevelSetter = (*logger)(nil)

func (l *logger) With(key string, value interface{}) Logger {
	return &logger{
		out:    l.out,
		prefix: fmt.Sprintf("%s%s=%v ", l.prefix, key, value),
	}
}

// SetLevel changes level of logger and all loggers derived by With.
func (l *logger) SetLevel(level Level) { l.out.setLevel(level) }

func (l *logger) Level() Level { return Level(atomic.LoadInt32(&l.out.level)) }

func (l *logger) Debug(args ...interface{})                 { l.print(DebugLevel, args) }
func (l *logger) Debugf(format string, args ...interface{}) { l.printf(DebugLevel, format, args) }
func (l *logger) Info(args ...interface{})                  { l.print(InfoLevel, args) }
func (l *logger) Infof(format string, args ...interface{})  { l.printf(InfoLevel, format, args) }
func (l *logger) Warn(args ...interface{})                  { l.print(WarnLevel, args) }
func (l *logger) Warnf(format string, args ...interface{})  { l.printf(WarnLevel, format, args) }
func (l *logger) Error(args ...interface{})                 { l.print(ErrorLevel, args) }
func (l *logger) Errorf(format string, args ...interface{}) { l.printf(ErrorLevel, format, args) }

func (l *logger) Fatal(args ...interface{}) {
	l.print(FatalLevel, args)
	os.Exit(1)
}

func (l *logger) Fatalf(format string, args ...interface{}) {
	l.printf(FatalLevel, format, args)
	os.Exit(1)
}

// Panicf logs on error level, because there is no separate panic level.
func (l *logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.print(ErrorLevel, []interface{}{msg})
	panic(msg)
}

// Frames between log.Logger.Output and caller: output, print or printf, exported method.
const callDepth = 3

func (l *logger) printf(level Level, format string, args []interface{}) {
	if level < l.Level() {
		return
	}
	l.output(level, fmt.Sprintf(format, args...))
}

func (l *logger) print(level Level, args []interface{}) {
	if level < l.Level() {
		return
	}
	l.output(level, fmt.Sprint(args...))
}

func (l *logger) output(level Level, msg string) {
	std := l.out.std.Load().(*log.Logger)
	std.Output(callDepth+1, "["+level.String()+"] "+l.prefix+msg)
}
