// Package sensor reads particulate and climate values from the station's
// hardware, or from a simulated source when none is attached.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pm25-station/internal/telemetry"
)

// ErrUnavailable marks a reading that could not be taken this tick.
var ErrUnavailable = errors.New("sensor unavailable")

// PMFields are the fields reported by the particulate sensors.
var PMFields = []string{telemetry.FieldPM1, telemetry.FieldPM25, telemetry.FieldPM10}

// ClimateFields are the fields reported by the climate sensor.
var ClimateFields = []string{telemetry.FieldTempC, telemetry.FieldHumidity, telemetry.FieldPressure}

// Reader returns one set of values per call. When the sensor cannot be read
// it returns every field as NaN together with an error wrapping ErrUnavailable.
type Reader interface {
	Read(ctx context.Context) (telemetry.Values, error)
	Close() error
}

// Provider is one way of obtaining a Reader.
type Provider interface {
	Name() string
	Open(ctx context.Context) (Reader, error)
}

// Resolve opens the first provider that succeeds. When none does, it returns
// a Missing reader so callers keep producing unavailable values. The result
// is meant to be kept for the life of the process.
func Resolve(ctx context.Context, logger *slog.Logger, sensor string, fields []string, providers ...Provider) (Reader, string) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range providers {
		r, err := p.Open(ctx)
		if err != nil {
			logger.Warn("sensor provider not available",
				"sensor", sensor,
				"provider", p.Name(),
				"error", err,
			)
			continue
		}
		logger.Info("sensor provider selected", "sensor", sensor, "provider", p.Name())
		return r, p.Name()
	}
	logger.Warn("no sensor provider available, readings will be unavailable", "sensor", sensor)
	return Missing(fields...), "none"
}

type missing struct {
	fields []string
}

// Missing returns a Reader that always reports fields as unavailable.
func Missing(fields ...string) Reader {
	return missing{fields: fields}
}

func (m missing) Read(context.Context) (telemetry.Values, error) {
	return telemetry.Unavailable(m.fields...), fmt.Errorf("%w: no provider", ErrUnavailable)
}

func (missing) Close() error { return nil }

// Disabled is a Provider that never opens.
type Disabled string

func (d Disabled) Name() string { return string(d) }

func (d Disabled) Open(context.Context) (Reader, error) {
	return nil, fmt.Errorf("%w: %s disabled", ErrUnavailable, string(d))
}
