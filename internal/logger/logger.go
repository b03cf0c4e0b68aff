// Package logger is the tally's leveled wrapper around the standard logger.
//
// Progress messages (Printf, Print, Println) are written only in debug mode;
// errors are always written. Components log through Named children so every
// line carries the component that produced it.
package logger

import (
	"io"
	"log"
	"os"
)

const flags = log.LstdFlags | log.Lmsgprefix

// Logger writes debug-gated progress lines and ungated error lines.
type Logger struct {
	debug     bool
	component string
	*log.Logger
}

// New returns a logger writing to stderr.
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(debug bool, w io.Writer) *Logger {
	return &Logger{debug: debug, Logger: log.New(w, "", flags)}
}

// Named returns a child logger sharing l's output and debug mode whose lines
// are prefixed with the dotted component path, e.g. "collector.resync: ".
func (l *Logger) Named(component string) *Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return &Logger{
		debug:     l.debug,
		component: component,
		Logger:    log.New(l.Writer(), component+": ", flags),
	}
}

// Component returns the dotted component path, empty for the root logger.
func (l *Logger) Component() string { return l.component }

// Debug reports whether progress lines are written.
func (l *Logger) Debug() bool { return l.debug }

func (l *Logger) Printf(format string, v ...interface{}) {
	if l.debug {
		l.Logger.Printf(format, v...)
	}
}

func (l *Logger) Print(v ...interface{}) {
	if l.debug {
		l.Logger.Print(v...)
	}
}

func (l *Logger) Println(v ...interface{}) {
	if l.debug {
		l.Logger.Println(v...)
	}
}

// Errorf is written regardless of debug mode.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.Logger.Printf("error: "+format, v...)
}

// Fatalf writes the message and exits with status 1.
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.Logger.Fatalf(format, v...)
}
