// Package logging builds the process logger: tint for local runs, JSON for
// the Pi service journal.
package logging

import (
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"pm25-station/internal/config"
)

// New logs to stdout. Dev builds (version "dev") or APP_ENV=dev get the
// coloured tint handler.
func New(cfg config.Config, version string, appName string) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg, version, appName)
}

func NewWithWriter(w io.Writer, cfg config.Config, version string, appName string) *slog.Logger {
	var h slog.Handler
	if version == "dev" || cfg.AppEnv == "dev" {
		h = tint.NewHandler(w, &tint.Options{
			Level:       cfg.LogLevel,
			AddSource:   cfg.LogLevel <= slog.LevelDebug,
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: replaceNaN,
		})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       cfg.LogLevel,
			ReplaceAttr: replaceNaN,
		})
	}

	attrs := []any{"app", appName, "device_id", cfg.DeviceID}
	if version != "dev" {
		attrs = append(attrs, "version", version, "env", cfg.AppEnv)
	}
	return slog.New(h).With(attrs...)
}

// replaceNaN renders unavailable readings as "nan"; encoding/json rejects NaN.
func replaceNaN(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindFloat64 {
		return a
	}
	f := a.Value.Float64()
	switch {
	case math.IsNaN(f):
		return slog.String(a.Key, "nan")
	case math.IsInf(f, 1):
		return slog.String(a.Key, "+inf")
	case math.IsInf(f, -1):
		return slog.String(a.Key, "-inf")
	}
	return a
}
