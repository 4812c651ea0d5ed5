package service

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a notice.
type Level string

// Notice levels.
const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notice is a user-visible message raised by a store, typically after a
// failed commit has been rolled back.
type Notice struct {
	Level   Level
	Store   string
	ID      string
	Message string
	Err     error
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) {
	f(ctx, n)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs through logger, or
// slog.Default() when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify logs n at the level matching its severity.
func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	attrs := []any{"store", n.Store}
	if n.ID != "" {
		attrs = append(attrs, "id", n.ID)
	}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}
	switch n.Level {
	case LevelError:
		l.logger.ErrorContext(ctx, n.Message, attrs...)
	case LevelWarning:
		l.logger.WarnContext(ctx, n.Message, attrs...)
	default:
		l.logger.InfoContext(ctx, n.Message, attrs...)
	}
}

// Recorder keeps every notice it receives. Useful in tests and for surfacing
// the most recent failure.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
