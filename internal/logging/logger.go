// Package logging provides the structured logger used across the core.
// Records are written as RFC 5424 syslog messages.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewjam/rfc5424"
)

// Logger defines the interface for logging operations
type Logger interface {
	Debug(message string, meta map[string]string)
	Info(message string, meta map[string]string)
	Warn(message string, meta map[string]string)
	Error(message string, meta map[string]string)
}

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config value to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SyslogLogger writes RFC 5424 messages to an io.Writer.
type SyslogLogger struct {
	appName   string
	hostname  string
	processID string
	level     Level

	mu  sync.Mutex
	out io.Writer
	seq atomic.Uint64
}

// New creates a logger writing to out. A nil writer means os.Stderr.
func New(appName string, out io.Writer, level Level) *SyslogLogger {
	if out == nil {
		out = os.Stderr
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &SyslogLogger{
		appName:   appName,
		hostname:  hostname,
		processID: strconv.Itoa(os.Getpid()),
		level:     level,
		out:       out,
	}
}

func (l *SyslogLogger) write(level Level, severity rfc5424.Priority, message string, meta map[string]string) {
	if level < l.level {
		return
	}
	msg := &rfc5424.Message{
		Priority:  rfc5424.User | severity,
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   l.appName,
		ProcessID: l.processID,
		MessageID: fmt.Sprintf("ID%d", l.seq.Add(1)),
		Message:   []byte(message),
	}
	for key, value := range meta {
		msg.AddDatum("meta@32473", key, value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := msg.WriteTo(l.out); err != nil {
		fmt.Fprintf(l.out, "<%d>1 %s %s %s %s - - %s\n",
			int(rfc5424.User|severity), msg.Timestamp.Format(time.RFC3339),
			l.hostname, l.appName, l.processID, message)
		return
	}
	_, _ = io.WriteString(l.out, "\n")
}

func (l *SyslogLogger) Debug(message string, meta map[string]string) {
	l.write(LevelDebug, rfc5424.Debug, message, meta)
}

func (l *SyslogLogger) Info(message string, meta map[string]string) {
	l.write(LevelInfo, rfc5424.Info, message, meta)
}

func (l *SyslogLogger) Warn(message string, meta map[string]string) {
	l.write(LevelWarn, rfc5424.Warning, message, meta)
}

func (l *SyslogLogger) Error(message string, meta map[string]string) {
	l.write(LevelError, rfc5424.Error, message, meta)
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]string) {}
func (nopLogger) Info(string, map[string]string)  {}
func (nopLogger) Warn(string, map[string]string)  {}
func (nopLogger) Error(string, map[string]string) {}

// Nop discards everything.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Host is a shorthand for the most common metadata.
func Host(host string) map[string]string {
	return map[string]string{"host": host}
}

// With copies meta and adds key=value.
func With(meta map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}
