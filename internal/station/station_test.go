package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm25-station/internal/aggregator"
	"pm25-station/internal/csvlog"
	"pm25-station/internal/queue"
	"pm25-station/internal/sensor"
	"pm25-station/internal/telemetry"
)

type fakeQueue struct {
	mu      sync.Mutex
	recs    []telemetry.Record
	putErr  error
	pingErr error
	pings   int
}

func (q *fakeQueue) Put(_ context.Context, rec telemetry.Record) (queue.EntryID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.putErr != nil {
		return 0, q.putErr
	}
	q.recs = append(q.recs, rec)
	return queue.EntryID(len(q.recs)), nil
}

func (q *fakeQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pings++
	return q.pingErr
}

func (q *fakeQueue) records() []telemetry.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]telemetry.Record(nil), q.recs...)
}

// scripted returns its values in order, repeating the last one.
type scripted struct {
	values []telemetry.Values
	i      int
	closed bool
}

func (s *scripted) Read(context.Context) (telemetry.Values, error) {
	v := s.values[min(s.i, len(s.values)-1)]
	s.i++
	if v.HasUnavailable() {
		return v.Clone(), fmt.Errorf("%w: scripted", sensor.ErrUnavailable)
	}
	return v.Clone(), nil
}

func (s *scripted) Close() error {
	s.closed = true
	return nil
}

type recordingCSV struct{ rows []csvlog.Row }

func (c *recordingCSV) Append(r csvlog.Row) error {
	c.rows = append(c.rows, r)
	return nil
}

type recordingRelay struct{ seen []string }

func (r *recordingRelay) Observe(sensor string, _ telemetry.Values) (bool, error) {
	r.seen = append(r.seen, sensor)
	return false, nil
}

type countingObserver struct {
	taken, unavailable map[string]int
	putFailed          int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{taken: map[string]int{}, unavailable: map[string]int{}}
}

func (o *countingObserver) ReadingTaken(s string)      { o.taken[s]++ }
func (o *countingObserver) SensorUnavailable(s string) { o.unavailable[s]++ }
func (o *countingObserver) QueuePutFailed()            { o.putFailed++ }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2025, 6, 1, 5, 0, 0, 250_000_000, time.UTC)

func bangkok(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)
	return loc
}

func pm(v float64) telemetry.Values {
	return telemetry.Values{telemetry.FieldPM1: v * 0.6, telemetry.FieldPM25: v, telemetry.FieldPM10: v * 1.4}
}

func TestTick_RawRecords(t *testing.T) {
	q := &fakeQueue{}
	csv := &recordingCSV{}
	rel := &recordingRelay{}
	obs := newCountingObserver()
	indoor := &scripted{values: []telemetry.Values{pm(12)}}
	outdoor := &scripted{values: []telemetry.Values{telemetry.Unavailable(sensor.PMFields...)}}

	st := New(Config{DeviceID: "pi-01", Location: bangkok(t)},
		[]Source{{Sensor: "indoor", Reader: indoor}, {Sensor: "outdoor", Reader: outdoor}},
		q, Options{CSV: csv, Relay: rel, Observer: obs, Logger: quietLogger()})

	require.NoError(t, st.Tick(context.Background(), t0))

	recs := q.records()
	require.Len(t, recs, 1, "a fully unavailable source is not queued")
	assert.Equal(t, "pi-01:2025-06-01T05:00:00Z:indoor", recs[0].Key())
	assert.Equal(t, 12.0, recs[0].Values[telemetry.FieldPM25])

	require.Len(t, csv.rows, 1)
	assert.Equal(t, 12.0, csv.rows[0].Indoor[telemetry.FieldPM25])
	assert.True(t, math.IsNaN(csv.rows[0].Outdoor[telemetry.FieldPM25]))
	assert.Nil(t, csv.rows[0].Climate)

	assert.Equal(t, []string{"indoor", "outdoor"}, rel.seen)
	assert.Equal(t, 1, obs.taken["indoor"])
	assert.Equal(t, 1, obs.unavailable["outdoor"])

	latest := st.Latest()
	require.Contains(t, latest, "outdoor")
	assert.False(t, latest["outdoor"].Available)
	assert.True(t, latest["indoor"].Available)
	assert.Equal(t, "2025-06-01T12:00:00+07:00", latest["indoor"].Timestamp)
}

func TestTick_PartialValuesKeepNaN(t *testing.T) {
	q := &fakeQueue{}
	climate := &scripted{values: []telemetry.Values{{
		telemetry.FieldTempC:    29.5,
		telemetry.FieldHumidity: math.NaN(),
		telemetry.FieldPressure: 1008,
	}}}
	st := New(Config{DeviceID: "pi-01"}, []Source{{Sensor: "climate", Reader: climate}}, q, Options{Logger: quietLogger()})

	require.NoError(t, st.Tick(context.Background(), t0))
	recs := q.records()
	require.Len(t, recs, 1)
	assert.True(t, math.IsNaN(recs[0].Values[telemetry.FieldHumidity]), "never coerced to zero")
}

func TestTick_StorageUnavailableBlocksUntilPingRecovers(t *testing.T) {
	q := &fakeQueue{putErr: fmt.Errorf("%w: put: disk I/O error", queue.ErrStorageUnavailable)}
	obs := newCountingObserver()
	src := &scripted{values: []telemetry.Values{pm(10)}}
	st := New(Config{DeviceID: "pi-01"}, []Source{{Sensor: "indoor", Reader: src}}, q, Options{Observer: obs, Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, st.Tick(ctx, t0))
	assert.True(t, st.Blocked())
	assert.Equal(t, 1, obs.putFailed)

	q.pingErr = errors.New("still gone")
	require.NoError(t, st.Tick(ctx, t0.Add(time.Second)))
	assert.True(t, st.Blocked())
	assert.Equal(t, 1, obs.putFailed, "no puts while blocked")
	assert.Equal(t, 1, q.pings)
	assert.Equal(t, 2, src.i, "sensors are still read")

	q.pingErr = nil
	q.putErr = nil
	require.NoError(t, st.Tick(ctx, t0.Add(2*time.Second)))
	assert.False(t, st.Blocked())
	assert.Len(t, q.records(), 1)
}

func TestTick_OtherPutErrorsDoNotBlock(t *testing.T) {
	q := &fakeQueue{putErr: telemetry.ErrInvalidRecord}
	src := &scripted{values: []telemetry.Values{pm(10)}}
	st := New(Config{DeviceID: "pi-01"}, []Source{{Sensor: "indoor", Reader: src}}, q, Options{Logger: quietLogger()})

	require.NoError(t, st.Tick(context.Background(), t0))
	assert.False(t, st.Blocked())
}

type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time { return c.now }

func TestTick_Aggregated(t *testing.T) {
	clk := &tickClock{now: t0}
	agg := aggregator.New(aggregator.Config{DeviceID: "pi-01", Interval: 3 * time.Second, Delta: 100}, clk)
	q := &fakeQueue{}
	src := &scripted{values: []telemetry.Values{pm(10), pm(20), telemetry.Unavailable(sensor.PMFields...), pm(30)}}
	st := New(Config{DeviceID: "pi-01"}, []Source{{Sensor: "indoor", Reader: src}}, q, Options{Aggregator: agg, Logger: quietLogger()})

	for i := 0; i < 4; i++ {
		clk.now = t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.Tick(context.Background(), clk.now))
	}

	recs := q.records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Aggregate)
	assert.Equal(t, 3, recs[0].Aggregate.Count)
	assert.Equal(t, 20.0, recs[0].Values[telemetry.FieldPM25])
	assert.Equal(t, 10.0, recs[0].Aggregate.Min)
	assert.Equal(t, 30.0, recs[0].Aggregate.Max)
}

func TestRun_StopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	src := &scripted{values: []telemetry.Values{pm(10)}}
	st := New(Config{DeviceID: "pi-01", Interval: 5 * time.Millisecond}, []Source{{Sensor: "indoor", Reader: src}}, q, Options{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	require.Eventually(t, func() bool { return len(q.records()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, st.Close())
	assert.True(t, src.closed)
}
