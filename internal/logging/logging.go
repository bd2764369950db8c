// Package logging provides the leveled log sink shared by the master, workers, and CLI.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<RFC3339> LEVEL component: message" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	closer    io.Closer
}

func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, "")
}

// Open appends to dir/file, creating the directory if needed.
func Open(dir, file string, level Level, component string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := New(f, level, component)
	l.closer = f
	return l, nil
}

// With returns a logger sharing the sink under another component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component}
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}

// Coder is implemented by errors that carry a machine-readable code.
type Coder interface {
	ErrorCode() string
}

// Catch logs err with its type, code, message, and the current stack.
func (l *Logger) Catch(err error) {
	l.CatchStack(err, debug.Stack())
}

// CatchStack is Catch with a stack captured elsewhere, e.g. inside a recover.
func (l *Logger) CatchStack(err error, stack []byte) {
	if err == nil {
		return
	}
	code := "-"
	var c Coder
	if errors.As(err, &c) {
		code = c.ErrorCode()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error Type: %T\n", err)
	fmt.Fprintf(&sb, "Error Code: %s\n", code)
	fmt.Fprintf(&sb, "Error Msg: %s\n", err.Error())
	fmt.Fprintf(&sb, "Error Trace: %s", stack)
	l.log(LevelError, "%s", sb.String())
}
