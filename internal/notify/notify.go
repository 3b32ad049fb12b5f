// Package notify carries user-facing messages out of the change pipeline.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a notification.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notifier receives user-facing messages.
type Notifier interface {
	Notify(level Level, msg string)
}

// Func adapts a function to Notifier.
type Func func(level Level, msg string)

func (f Func) Notify(level Level, msg string) { f(level, msg) }

// Logger writes notifications to a slog.Logger.
type Logger struct {
	l *slog.Logger
}

// NewLogger returns a Notifier backed by l, or by slog.Default when l is nil.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

func (n *Logger) Notify(level Level, msg string) {
	n.l.Log(context.Background(), slogLevel(level), "notify: "+msg, slog.String("level", string(level)))
}

func slogLevel(level Level) slog.Level {
	switch level {
	case Error:
		return slog.LevelError
	case Warning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Message is one recorded notification.
type Message struct {
	Level Level
	Text  string
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Level: level, Text: msg})
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(level Level, msg string) {
	for _, n := range m {
		n.Notify(level, msg)
	}
}
