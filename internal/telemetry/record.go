// Package telemetry defines the record that flows from the sensors through the
// durable queue to the sink.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sensor tags used by the station.
const (
	SensorIndoor  = "indoor"
	SensorOutdoor = "outdoor"
	SensorClimate = "climate"
)

// Field names.
const (
	FieldPM1      = "pm1"
	FieldPM25     = "pm25"
	FieldPM10     = "pm10"
	FieldTempC    = "temp_c"
	FieldHumidity = "humidity_pct"
	FieldPressure = "pressure_hpa"
)

// TimestampLayout is RFC 3339 at second precision with an explicit offset.
const TimestampLayout = time.RFC3339

var ErrInvalidRecord = errors.New("invalid record")

// Record is one observation of one sensor. Treat it as immutable once built.
type Record struct {
	DeviceID  string
	Sensor    string
	Timestamp time.Time
	Values    Values
	Aggregate *AggregateMeta
}

// AggregateMeta is attached to records produced by the aggregator.
type AggregateMeta struct {
	Count int     `json:"n"`
	Field string  `json:"field"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// NewRecord validates its inputs and truncates ts to the second in loc.
func NewRecord(deviceID, sensor string, ts time.Time, loc *time.Location, values Values) (Record, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := Record{
		DeviceID:  deviceID,
		Sensor:    sensor,
		Timestamp: ts.In(loc).Truncate(time.Second),
		Values:    values.Clone(),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks the identity fields are usable as path segments.
func (r Record) Validate() error {
	if err := validSegment("device id", r.DeviceID); err != nil {
		return err
	}
	if err := validSegment("sensor", r.Sensor); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if len(r.Values) == 0 {
		return fmt.Errorf("%w: no values", ErrInvalidRecord)
	}
	return nil
}

// TimestampString renders the timestamp the way it is stored and keyed.
func (r Record) TimestampString() string {
	return FormatTimestamp(r.Timestamp)
}

// Key is the record identity "<device>:<ts>:<sensor>", with ts in UTC so the
// same instant keys the same way whatever zone the record carries.
func (r Record) Key() string {
	return r.DeviceID + ":" + FormatTimestamp(r.Timestamp.UTC()) + ":" + r.Sensor
}

func FormatTimestamp(t time.Time) string {
	return t.Truncate(time.Second).Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidRecord, s, err)
	}
	return t, nil
}

func validSegment(what, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRecord, what)
	}
	if strings.ContainsAny(s, "/.#$[]:") {
		return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidRecord, what, s)
	}
	return nil
}
