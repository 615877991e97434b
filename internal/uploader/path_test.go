package uploader

import (
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm25-station/internal/telemetry"
)

func mustRecord(t *testing.T, sensor string, ts time.Time, values telemetry.Values) telemetry.Record {
	t.Helper()
	r, err := telemetry.NewRecord("pi-01", sensor, ts, time.UTC, values)
	require.NoError(t, err)
	return r
}

func TestPath_Layout(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 17, 4, 5, 0, time.UTC)
	r := mustRecord(t, "indoor", ts, telemetry.Values{"pm25": 1})

	assert.Equal(t, "/pm_readings/pi-01/indoor/20250302/000405", Path("pm_readings", r, loc))
	assert.Equal(t, "/pm_readings/pi-01/indoor/20250301/170405", Path("/pm_readings/", r, time.UTC))
}

func TestPath_DeterministicAndDistinct(t *testing.T) {
	base := time.Date(2025, 1, 1, 23, 59, 59, 0, time.UTC)
	recs := []telemetry.Record{
		mustRecord(t, "indoor", base, telemetry.Values{"pm25": 1}),
		mustRecord(t, "outdoor", base, telemetry.Values{"pm25": 1}),
		mustRecord(t, "indoor", base.Add(time.Second), telemetry.Values{"pm25": 1}),
		mustRecord(t, "indoor", base.Add(24*time.Hour), telemetry.Values{"pm25": 1}),
	}
	seen := map[string]string{}
	for _, r := range recs {
		p := Path("root", r, time.UTC)
		assert.Equal(t, p, Path("root", r, time.UTC), "same record, same path")
		if prev, ok := seen[p]; ok {
			t.Fatalf("path %s shared by %s and %s", p, prev, r.Key())
		}
		seen[p] = r.Key()
	}
}

func TestPayloadFor(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := mustRecord(t, "indoor", ts, telemetry.Values{"pm1": 6, "pm25": 10, "pm10": math.NaN()})
	r.Aggregate = &telemetry.AggregateMeta{Count: 3, Field: "pm25", Min: 5, Max: 15}

	p := PayloadFor(r, time.UTC)
	assert.Equal(t, "2025-01-01T00:00:00Z", p["ts"])
	assert.Equal(t, "pi-01", p["device_id"])
	assert.Equal(t, "indoor", p["sensor"])
	assert.Equal(t, 10.0, p["pm25"])
	assert.Nil(t, p["pm10"], "unavailable is null, never 0")
	assert.Contains(t, p, "pm10")
	assert.Equal(t, 3, p["n"])
	assert.Equal(t, 5.0, p["min_pm25"])
	assert.Equal(t, 15.0, p["max_pm25"])
}
