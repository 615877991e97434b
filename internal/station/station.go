// Package station runs the reading loop: sensors in, records into the queue.
// Nothing here waits on the network.
package station

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pm25-station/internal/aggregator"
	"pm25-station/internal/csvlog"
	"pm25-station/internal/queue"
	"pm25-station/internal/sensor"
	"pm25-station/internal/telemetry"
)

// Queue is the part of the durable queue the loop writes to.
type Queue interface {
	Put(ctx context.Context, rec telemetry.Record) (queue.EntryID, error)
	Ping(ctx context.Context) error
}

type CSVWriter interface {
	Append(row csvlog.Row) error
}

type RelayController interface {
	Observe(sensor string, values telemetry.Values) (bool, error)
}

type Observer interface {
	ReadingTaken(sensor string)
	SensorUnavailable(sensor string)
	QueuePutFailed()
}

type nopObserver struct{}

func (nopObserver) ReadingTaken(string)      {}
func (nopObserver) SensorUnavailable(string) {}
func (nopObserver) QueuePutFailed()          {}

// Source pairs a sensor tag with its resolved reader.
type Source struct {
	Sensor string
	Reader sensor.Reader
}

// Reading is the most recent values seen for a sensor.
type Reading struct {
	Sensor    string           `json:"sensor"`
	Timestamp string           `json:"ts"`
	Values    telemetry.Values `json:"values"`
	Available bool             `json:"available"`
}

type Config struct {
	DeviceID string
	Interval time.Duration
	Location *time.Location
}

// Options carries the optional collaborators. Nil fields are skipped.
type Options struct {
	Aggregator *aggregator.Aggregator
	CSV        CSVWriter
	Relay      RelayController
	Observer   Observer
	Logger     *slog.Logger
}

type Station struct {
	cfg     Config
	sources []Source
	queue   Queue
	agg     *aggregator.Aggregator
	csv     CSVWriter
	relay   RelayController
	obs     Observer
	logger  *slog.Logger

	mu      sync.Mutex
	latest  map[string]Reading
	down    map[string]bool
	blocked bool
}

func New(cfg Config, sources []Source, q Queue, opts Options) *Station {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Station{
		cfg:     cfg,
		sources: sources,
		queue:   q,
		agg:     opts.Aggregator,
		csv:     opts.CSV,
		relay:   opts.Relay,
		obs:     opts.Observer,
		logger:  opts.Logger,
		latest:  make(map[string]Reading, len(sources)),
		down:    make(map[string]bool, len(sources)),
	}
}

// Run ticks every Interval until ctx is cancelled.
func (s *Station) Run(ctx context.Context) error {
	s.logger.Info("station loop started",
		"interval", s.cfg.Interval,
		"sources", len(s.sources),
		"aggregate", s.agg != nil,
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				return err
			}
		}
	}
}

// Tick performs one reading cycle at now. It only returns an error when ctx
// is done; device, CSV and queue failures are logged and absorbed.
func (s *Station) Tick(ctx context.Context, now time.Time) error {
	ts := now.In(s.cfg.Location).Truncate(time.Second)
	values := make(map[string]telemetry.Values, len(s.sources))

	for _, src := range s.sources {
		v, err := src.Reader.Read(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if v == nil {
			v = telemetry.Values{}
		}
		s.noteAvailability(src.Sensor, v, err)
		values[src.Sensor] = v
	}

	s.updateLatest(ts, values)

	if s.csv != nil {
		row := csvlog.Row{
			Time:    ts,
			Indoor:  values[telemetry.SensorIndoor],
			Outdoor: values[telemetry.SensorOutdoor],
			Climate: values[telemetry.SensorClimate],
		}
		if err := s.csv.Append(row); err != nil {
			s.logger.Warn("csv append failed", "error", err)
		}
	}

	if s.relay != nil {
		for _, src := range s.sources {
			if _, err := s.relay.Observe(src.Sensor, values[src.Sensor]); err != nil {
				s.logger.Warn("auto relay failed", "sensor", src.Sensor, "error", err)
			}
		}
	}

	if !s.storageReady(ctx) {
		return ctx.Err()
	}
	for _, rec := range s.records(ts, values) {
		if !s.put(ctx, rec) {
			break
		}
	}
	return ctx.Err()
}

func (s *Station) noteAvailability(sensorName string, v telemetry.Values, err error) {
	unavailable := err != nil || len(v) == 0 || v.HasUnavailable()
	s.mu.Lock()
	wasDown := s.down[sensorName]
	s.down[sensorName] = unavailable
	s.mu.Unlock()

	if unavailable {
		s.obs.SensorUnavailable(sensorName)
		if !wasDown {
			s.logger.Warn("sensor unavailable", "sensor", sensorName, "error", err)
		}
		return
	}
	s.obs.ReadingTaken(sensorName)
	if wasDown {
		s.logger.Info("sensor recovered", "sensor", sensorName)
	}
}

func (s *Station) updateLatest(ts time.Time, values map[string]telemetry.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, v := range values {
		s.latest[name] = Reading{
			Sensor:    name,
			Timestamp: telemetry.FormatTimestamp(ts),
			Values:    v.Clone(),
			Available: !s.down[name],
		}
	}
}

// records builds this tick's records. In raw mode a source is recorded when
// at least one of its fields is available; unavailable fields stay NaN.
func (s *Station) records(ts time.Time, values map[string]telemetry.Values) []telemetry.Record {
	var out []telemetry.Record
	for _, src := range s.sources {
		v := values[src.Sensor]
		if s.agg != nil {
			s.agg.Add(src.Sensor, v)
			if s.agg.ShouldEmit(src.Sensor) {
				if rec, ok := s.agg.Emit(src.Sensor); ok {
					out = append(out, rec)
				}
			}
			continue
		}
		if !anyAvailable(v) {
			continue
		}
		rec, err := telemetry.NewRecord(s.cfg.DeviceID, src.Sensor, ts, s.cfg.Location, v)
		if err != nil {
			s.logger.Warn("record rejected", "sensor", src.Sensor, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// put stores rec and reports whether further puts should be attempted this tick.
func (s *Station) put(ctx context.Context, rec telemetry.Record) bool {
	_, err := s.queue.Put(ctx, rec)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	s.obs.QueuePutFailed()
	if errors.Is(err, queue.ErrStorageUnavailable) {
		s.mu.Lock()
		s.blocked = true
		s.mu.Unlock()
		s.logger.Error("queue storage unavailable, ingestion paused until it recovers",
			"key", rec.Key(),
			"error", err,
		)
		return false
	}
	s.logger.Warn("queue put failed", "key", rec.Key(), "error", err)
	return true
}

// storageReady probes a blocked queue and reports whether puts may proceed.
func (s *Station) storageReady(ctx context.Context) bool {
	s.mu.Lock()
	blocked := s.blocked
	s.mu.Unlock()
	if !blocked {
		return true
	}
	if err := s.queue.Ping(ctx); err != nil {
		s.logger.Debug("queue storage still unavailable", "error", err)
		return false
	}
	s.mu.Lock()
	s.blocked = false
	s.mu.Unlock()
	s.logger.Info("queue storage recovered, ingestion resumed")
	return true
}

// Latest returns a copy of the last reading per sensor.
func (s *Station) Latest() map[string]Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Reading, len(s.latest))
	for k, r := range s.latest {
		r.Values = r.Values.Clone()
		out[k] = r
	}
	return out
}

// Blocked reports whether ingestion is paused on a storage failure.
func (s *Station) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Close releases the sensor readers.
func (s *Station) Close() error {
	var errs []error
	for _, src := range s.sources {
		if err := src.Reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func anyAvailable(v telemetry.Values) bool {
	for _, f := range v {
		if !telemetry.IsUnavailable(f) {
			return true
		}
	}
	return false
}
