// Package telemetry builds the daemon's slog logger: JSON lines to a
// by-day log file under the dispatcher home, mirrored to stdout when running
// headless, with credential redaction applied before any attribute is
// written out.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/dispatchd/internal/shared"
)

// sensitiveKeyTokens flags attribute keys whose values are always redacted
// wholesale, whatever they contain.
var sensitiveKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// NewLogger opens (or creates) the day's log file under homeDir/logs and
// returns a JSON logger writing to it. When quiet is false the same lines
// also go to stdout. The returned closer owns the file handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("dispatchd-%s.jsonl", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "dispatchd")
	return logger, file, nil
}

// redactAttr renames the time key and scrubs credentials out of every
// attribute before it reaches a sink.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		if scrubbed := shared.Redact(v); scrubbed != v {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
