package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	out       *log.Logger
	stdout    io.Writer
	level     Level
	component string

	// lineMu serialises writes to stdout across derived loggers
	lineMu *sync.Mutex
	// onTTY keeps the leading newline that moves past a live progress line
	onTTY bool
}

func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := NewWriter(f, level)
	if includeStdout {
		l.stdout = os.Stdout
		l.onTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
	return l, nil
}

// NewWriter builds a logger that writes only to w. Used by tests and by
// commands that must not touch the log file.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		out:    log.New(w, "", 0),
		level:  level,
		lineMu: &sync.Mutex{},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelFatal)
}

// With returns a logger whose lines are prefixed with the component name.
func (l *Logger) With(component string) *Logger {
	c := *l
	if l.component != "" {
		component = l.component + "/" + component
	}
	c.component = component
	return &c
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...interface{}) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)
	if l.component != "" {
		fullMsg = fmt.Sprintf("%s [%s] (%s) %s", timestamp, prefix, l.component, msg)
	}

	l.out.Println(fullMsg)

	// Debug stays in the file so it does not break CLI output
	if l.stdout != nil && lvl >= LevelInfo {
		l.lineMu.Lock()
		if l.onTTY {
			fmt.Fprintf(l.stdout, "\n%s", fullMsg)
		} else {
			fmt.Fprintln(l.stdout, fullMsg)
		}
		l.lineMu.Unlock()
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
