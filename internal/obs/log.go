package obs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
)

var (
	base         atomic.Pointer[slog.Logger]
	out          atomic.Pointer[sink]
	debugEnabled atomic.Bool
)

func init() {
	out.Store(&sink{os.Stderr})
	base.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// sink remembers the writer behind the handler so it can be synced.
type sink struct{ w io.Writer }

// Fields carries structured attributes for a single log event.
type Fields map[string]any

// Setup installs the process-wide logger. format is "json" (default) or "text";
// role tags every line so master and worker output can be told apart on a shared stderr.
func Setup(w io.Writer, format, role string, debug bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	out.Store(&sink{w})
	base.Store(slog.New(h).With(slog.String("role", role), slog.Int("pid", os.Getpid())))
	EnableDebug(debug)
}

// Sync flushes the log writer when it buffers. Writers without a Sync method
// are written through and need nothing; terminals and pipes reject fsync.
func Sync() error {
	s, ok := out.Load().w.(interface{ Sync() error })
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTSUP) {
		return err
	}
	return nil
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// DebugEnabled reports whether debug events are emitted.
func DebugEnabled() bool { return debugEnabled.Load() }

func logWith(level slog.Level, msg string, f Fields) {
	l := base.Load()
	if len(f) == 0 {
		l.Log(context.Background(), level, msg)
		return
	}
	attrs := make([]slog.Attr, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) {
	if DebugEnabled() {
		logWith(slog.LevelDebug, msg, f)
	}
}
