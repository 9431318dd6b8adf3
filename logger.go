package tormgr

import (
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btclog"
)

// Logger defines a minimal structured logging interface for tormgr. It is
// intentionally narrow so the Runtime, Session, and Supervisor can each log
// through it without depending on any particular backend.
//
// The default logger discards all log messages. Hosts can supply their own
// implementation via WithRuntimeLogger, or use NewBtclogAdapter to back it
// with a per-subsystem btclog.Logger the way lnd's subsystems do.
type Logger interface {
	// Log logs a message at the given level ("trace", "debug", "info",
	// "warn", "error") with alternating key/value pairs.
	Log(level string, msg string, keysAndValues ...any)
}

// noopLogger discards all messages; it is the zero-value Logger.
type noopLogger struct{}

func (noopLogger) Log(string, string, ...any) {}

// btclogAdapter wraps a btclog.Logger, the subsystem-logging style lnd uses
// throughout its daemon, to implement Logger.
type btclogAdapter struct {
	log btclog.Logger
}

// NewBtclogAdapter creates a Logger backed by a btclog.Logger for the given
// subsystem tag (e.g. "CTRL", "SUPV", "SESS"), writing through backend.
func NewBtclogAdapter(backend *btclog.Backend, subsystem string) Logger {
	if backend == nil {
		return noopLogger{}
	}
	return &btclogAdapter{log: backend.Logger(subsystem)}
}

// NewBtclogBackend constructs a btclog.Backend writing to w, for callers
// that want to create their own per-subsystem loggers directly.
func NewBtclogBackend(w io.Writer) *btclog.Backend {
	return btclog.NewBackend(w)
}

func (a *btclogAdapter) Log(level string, msg string, keysAndValues ...any) {
	line := formatKV(msg, keysAndValues)
	switch strings.ToLower(level) {
	case "trace":
		a.log.Trace(line)
	case "debug":
		a.log.Debug(line)
	case "warn", "warning":
		a.log.Warn(line)
	case "error":
		a.log.Error(line)
	default:
		a.log.Info(line)
	}
}

// formatKV renders msg followed by alternating key/value pairs as
// "key=value" fields, tolerating an odd trailing key with no value.
func formatKV(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 < len(kv) {
			fmt.Fprintf(&b, " %s=%v", key, kv[i+1])
		} else {
			fmt.Fprintf(&b, " %s=<missing>", key)
		}
	}
	return b.String()
}
