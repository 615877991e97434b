package sensor

import (
	"context"
	"math"
	"sync"

	"pm25-station/internal/telemetry"
)

// Wave is a deterministic signal indexed by tick number, starting at 1.
type Wave func(i int) telemetry.Values

// IndoorWave and OutdoorWave keep outdoor air visibly worse than indoor.
func IndoorWave(i int) telemetry.Values {
	return pmFromPM25(20 + 5*math.Sin(float64(i)/25+1))
}

func OutdoorWave(i int) telemetry.Values {
	return pmFromPM25(50 + 10*math.Sin(float64(i)/20))
}

func ClimateWave(i int) telemetry.Values {
	x := float64(i)
	return telemetry.Values{
		telemetry.FieldTempC:    29 + 2*math.Sin(x/60),
		telemetry.FieldHumidity: 65 + 10*math.Sin(x/45+0.5),
		telemetry.FieldPressure: 1008 + 2*math.Sin(x/120),
	}
}

func pmFromPM25(pm25 float64) telemetry.Values {
	return telemetry.Values{
		telemetry.FieldPM1:  pm25 * 0.6,
		telemetry.FieldPM25: pm25,
		telemetry.FieldPM10: pm25 * 1.4,
	}
}

// Simulated is a Provider backed by a Wave.
type Simulated struct {
	Label string
	Wave  Wave
}

func (s Simulated) Name() string { return "simulated:" + s.Label }

func (s Simulated) Open(context.Context) (Reader, error) {
	return &simulatedReader{wave: s.Wave}, nil
}

type simulatedReader struct {
	mu   sync.Mutex
	wave Wave
	i    int
}

func (r *simulatedReader) Read(context.Context) (telemetry.Values, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.i++
	return r.wave(r.i), nil
}

func (*simulatedReader) Close() error { return nil }
