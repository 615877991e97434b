package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pm25-station/internal/queue"
	"pm25-station/internal/uploader"
)

var _ uploader.Observer = (*Metrics)(nil)

type fakeStats struct {
	pending int64
	err     error
}

func (f fakeStats) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Pending: f.pending}, f.err
}

func TestCounters(t *testing.T) {
	m := New()

	m.ReadingTaken("indoor")
	m.ReadingTaken("indoor")
	m.SensorUnavailable("outdoor")
	m.QueuePutFailed()
	m.MemQueueDropped()
	m.UploadSucceeded(3, 40*time.Millisecond)
	m.UploadSucceeded(2, 10*time.Millisecond)
	m.UploadFailed("auth", time.Second)
	m.BackoffChanged(4 * time.Second)

	if got := testutil.ToFloat64(m.readings.WithLabelValues("indoor")); got != 2 {
		t.Fatalf("readings{indoor} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.unavailable.WithLabelValues("outdoor")); got != 1 {
		t.Fatalf("unavailable{outdoor} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.putErrors); got != 1 {
		t.Fatalf("put errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.memDropped); got != 1 {
		t.Fatalf("memqueue dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.uploaded); got != 5 {
		t.Fatalf("uploaded = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.uploadFailures.WithLabelValues("auth")); got != 1 {
		t.Fatalf("failures{auth} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.backoffSeconds); got != 4 {
		t.Fatalf("backoff = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(m.batchSeconds); n != 1 {
		t.Fatalf("batch histogram series = %d, want 1", n)
	}
}

func TestWatchQueue(t *testing.T) {
	m := New()
	m.WatchQueue(fakeStats{pending: 7}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	want := `
# HELP station_queue_pending Records stored but not yet sent.
# TYPE station_queue_pending gauge
station_queue_pending 7
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "station_queue_pending"); err != nil {
		t.Fatal(err)
	}
}

func TestWatchQueue_StatsError(t *testing.T) {
	m := New()
	m.WatchQueue(fakeStats{err: errors.New("disk gone")}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	want := `
# HELP station_queue_pending Records stored but not yet sent.
# TYPE station_queue_pending gauge
station_queue_pending -1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "station_queue_pending"); err != nil {
		t.Fatal(err)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ReadingTaken("climate")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `station_readings_total{sensor="climate"} 1`) {
		t.Fatalf("body missing readings counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("body missing go collector output")
	}
}
