// Package log implements a small leveled logger used by the low-level DNS
// and blocklist clients, which want lightweight diagnostics without
// pulling in the session-level tracing stack (internal/trace).
package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	Error Level = -1
	Info  Level = 0
	Debug Level = 1
)

var levelToLetter = map[Level]string{
	Error: "E",
	Info:  "_",
	Debug: ".",
}

// Logger writes leveled, optionally timestamped lines to an io.Writer. It
// is safe for concurrent use.
type Logger struct {
	Level   Level
	LogTime bool

	mu sync.Mutex
	w  io.Writer
}

// New creates a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{Level: Info, LogTime: true, w: w}
}

// Default is the package-level logger used by the top-level functions
// below. It writes to stderr without timestamps, matching how a short-lived
// CLI query tool wants its output to look.
var Default = &Logger{Level: Info, LogTime: false, w: os.Stderr}

// V reports whether the given level is currently enabled.
func (l *Logger) V(level Level) bool {
	return level <= l.Level
}

// Log writes a formatted message at the given level, if enabled. skip is
// the number of additional stack frames to skip when computing the caller
// location, for wrapper functions such as Debugf.
func (l *Logger) Log(level Level, skip int, format string, a ...interface{}) {
	if !l.V(level) {
		return
	}

	msg := fmt.Sprintf(format, a...)

	_, file, line, ok := runtime.Caller(1 + skip)
	if !ok {
		file = "unknown"
	}
	loc := fmt.Sprintf("%s:%d", shortFile(file), line)

	letter, ok := levelToLetter[level]
	if !ok {
		letter = strconv.Itoa(int(level))
	}

	var b strings.Builder
	if l.LogTime {
		b.WriteString(time.Now().Format("20060102 15:04:05.000000"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%s %s] %s", letter, loc, msg)
	if !strings.HasSuffix(msg, "\n") {
		b.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, b.String())
}

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, a ...interface{}) {
	l.Log(Debug, 1, format, a...)
}

// Infof logs at Info level.
func (l *Logger) Infof(format string, a ...interface{}) {
	l.Log(Info, 1, format, a...)
}

// Errorf logs at Error level and returns the formatted error, so callers
// can both log and propagate in one line.
func (l *Logger) Errorf(format string, a ...interface{}) error {
	l.Log(Error, 1, format, a...)
	return fmt.Errorf(format, a...)
}

func shortFile(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Debugf logs at Debug level on the default logger.
func Debugf(format string, a ...interface{}) {
	Default.Log(Debug, 1, format, a...)
}

// Infof logs at Info level on the default logger.
func Infof(format string, a ...interface{}) {
	Default.Log(Info, 1, format, a...)
}

// Errorf logs at Error level on the default logger and returns the error.
func Errorf(format string, a ...interface{}) error {
	Default.Log(Error, 1, format, a...)
	return fmt.Errorf(format, a...)
}
