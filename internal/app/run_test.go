package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pm25-station/internal/config"
	"pm25-station/internal/metrics"
	"pm25-station/internal/queue"
	"pm25-station/internal/sink"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("DEVICE_ID", "pi-test")
	t.Setenv("SIMULATE", "true")
	t.Setenv("SINK", "none")
	t.Setenv("HTTP_ADDR", "off")
	t.Setenv("READ_INTERVAL", "1s")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "queue.db"))
	t.Setenv("CSV_DIR", filepath.Join(t.TempDir(), "csv"))
	t.Setenv("STATION_FILE", "")
	t.Setenv("FIREBASE_RTDB_URL", "")
	t.Setenv("QUEUE_BACKEND", "")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	cfg.Station.Relays.Backend = "mock"
	return cfg
}

func TestRun_SimulatedStationQueuesRecords(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	err := Run(ctx, cfg, quietLogger())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	store, err := queue.Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer store.Close()

	st, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending == 0 {
		t.Fatal("no records were queued")
	}
	if st.Sent != 0 {
		t.Errorf("Sent = %d, want 0 with the sink disabled", st.Sent)
	}

	entries, err := os.ReadDir(cfg.CSVDir)
	if err != nil {
		t.Fatalf("read csv dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("no csv file written")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	paths  map[string]sink.Payload
	dials  int
	writes int
}

func (s *recordingSink) dial(context.Context) (sink.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return s, nil
}

func (s *recordingSink) Write(_ context.Context, updates map[string]sink.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for p, v := range updates {
		s.paths[p] = v
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestRun_FinalDrainSendsEverythingQueued(t *testing.T) {
	cfg := testConfig(t)
	// The background loop sleeps through the whole run after its first empty
	// drain, so every record has to reach the sink through the final drain.
	cfg.UploadFlushInterval = time.Hour
	cfg.FinalDrainAttempts = 3
	cfg.FinalDrainTimeout = 5 * time.Second

	rs := &recordingSink{paths: map[string]sink.Payload{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	err := run(ctx, cfg, quietLogger(), rs.dial)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run() error = %v, want deadline exceeded", err)
	}

	store, err := queue.Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer store.Close()

	st, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending != 0 {
		t.Errorf("Pending = %d after shutdown, want 0", st.Pending)
	}
	if st.Sent < 3 {
		t.Fatalf("Sent = %d, want at least one tick of 3 sensors", st.Sent)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if int64(len(rs.paths)) != st.Sent {
		t.Errorf("sink paths = %d, want %d (one per sent record)", len(rs.paths), st.Sent)
	}
	if rs.writes == 0 || rs.dials == 0 {
		t.Errorf("dials = %d writes = %d, want the final drain to dial and write", rs.dials, rs.writes)
	}
}

func TestOpenQueue_Memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueMemory
	cfg.MemoryQueueCap = 10

	q, err := openQueue(context.Background(), cfg, quietLogger(), metrics.New())
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	if _, ok := q.(*queue.MemQueue); !ok {
		t.Fatalf("queue type = %T, want *queue.MemQueue", q)
	}
}

func TestOpenQueue_StorageUnavailable(t *testing.T) {
	cfg := testConfig(t)
	// A directory cannot be opened as a database file.
	cfg.SQLitePath = t.TempDir()

	_, err := openQueue(context.Background(), cfg, quietLogger(), metrics.New())
	if !errors.Is(err, queue.ErrStorageUnavailable) {
		t.Fatalf("openQueue() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestSinkDial(t *testing.T) {
	cfg := testConfig(t)

	if dial := sinkDial(cfg, quietLogger()); dial != nil {
		t.Error("sinkDial() != nil for SINK=none")
	}

	cfg.Sink = config.SinkFirebase
	cfg.FirebaseURL = ""
	if dial := sinkDial(cfg, quietLogger()); dial != nil {
		t.Error("sinkDial() != nil for firebase without a URL")
	}

	cfg.Sink = config.SinkMQTT
	if dial := sinkDial(cfg, quietLogger()); dial == nil {
		t.Error("sinkDial() = nil for mqtt")
	}
}

func TestOpenSources_Simulated(t *testing.T) {
	cfg := testConfig(t)
	sources := openSources(context.Background(), cfg, quietLogger())
	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}
	for _, s := range sources {
		v, err := s.Reader.Read(context.Background())
		if err != nil {
			t.Errorf("%s: Read() error = %v", s.Sensor, err)
		}
		if v.HasUnavailable() {
			t.Errorf("%s: simulated values unavailable: %v", s.Sensor, v)
		}
	}
}
