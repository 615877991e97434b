package uploader

import (
	"math"
	"strings"
	"time"

	"pm25-station/internal/sink"
	"pm25-station/internal/telemetry"
)

// Path returns /{root}/{device}/{sensor}/{YYYYMMDD}/{HHMMSS} for rec, with the
// date and time rendered in loc.
func Path(root string, rec telemetry.Record, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	ts := rec.Timestamp.In(loc)
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(strings.Trim(root, "/"))
	b.WriteByte('/')
	b.WriteString(rec.DeviceID)
	b.WriteByte('/')
	b.WriteString(rec.Sensor)
	b.WriteByte('/')
	b.WriteString(ts.Format("20060102"))
	b.WriteByte('/')
	b.WriteString(ts.Format("150405"))
	return b.String()
}

// PayloadFor renders rec as the object stored at its path.
func PayloadFor(rec telemetry.Record, loc *time.Location) sink.Payload {
	if loc == nil {
		loc = time.UTC
	}
	p := sink.Payload{
		"ts":        telemetry.FormatTimestamp(rec.Timestamp.In(loc)),
		"device_id": rec.DeviceID,
		"sensor":    rec.Sensor,
	}
	for k, v := range rec.Values {
		p[k] = jsonNumber(v)
	}
	if a := rec.Aggregate; a != nil {
		p["n"] = a.Count
		p["min_"+a.Field] = jsonNumber(a.Min)
		p["max_"+a.Field] = jsonNumber(a.Max)
	}
	return p
}

func jsonNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
