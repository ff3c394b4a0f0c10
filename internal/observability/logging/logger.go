package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kirillkom/rag-gateway/internal/version"
)

const redacted = "[redacted]"

// secretKeys never reach the log output; the gateway relays client bearer tokens.
var secretKeys = map[string]struct{}{
	"authorization":       {},
	"admin_api_key":       {},
	"api_key":             {},
	"vector_db_api_key":   {},
	"proxy-authorization": {},
}

func NewJSONLogger(service, level string) *slog.Logger {
	return NewJSONLoggerTo(os.Stdout, service, level)
}

// NewJSONLoggerTo tags every record with service and build version. Durations
// are written as fractional milliseconds.
func NewJSONLoggerTo(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("service", service, "version", version.Version)
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if _, secret := secretKeys[strings.ToLower(attr.Key)]; secret {
		return slog.String(attr.Key, redacted)
	}
	if attr.Value.Kind() == slog.KindDuration {
		return slog.Float64(attr.Key, float64(attr.Value.Duration())/float64(time.Millisecond))
	}
	return attr
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
