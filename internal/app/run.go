package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"pm25-station/internal/aggregator"
	"pm25-station/internal/config"
	"pm25-station/internal/csvlog"
	"pm25-station/internal/httpapi"
	"pm25-station/internal/metrics"
	"pm25-station/internal/queue"
	"pm25-station/internal/relay"
	"pm25-station/internal/sensor"
	"pm25-station/internal/sink"
	"pm25-station/internal/station"
	"pm25-station/internal/telemetry"
	"pm25-station/internal/uploader"
)

// Run wires the station and blocks until ctx is cancelled. On the way out it
// stops ingestion, stops the uploader, makes one bounded final drain and
// releases every device handle.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	return run(ctx, cfg, logger, sinkDial(cfg, logger))
}

// run is Run with the sink dialer supplied; a nil dial disables uploading.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, dial sink.DialFunc) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"timezone", cfg.TimeZone,
		"queueBackend", cfg.QueueBackend,
		"sqlitePath", cfg.SQLitePath,
		"readInterval", cfg.ReadInterval,
		"simulate", cfg.Simulate,
		"sink", cfg.Sink,
		"sinkRoot", cfg.SinkRoot,
		"uploadBatchSize", cfg.UploadBatchSize,
		"aggregate", cfg.AggregateEnabled,
		"csvDir", cfg.CSVDir,
	)

	m := metrics.New()

	q, err := openQueue(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("queue close", "error", err)
		}
	}()
	m.WatchQueue(q, logger)

	if st, err := q.Stats(ctx); err == nil && st.Pending > 0 {
		logger.Info("resuming with pending records", "pending", st.Pending, "oldest", st.OldestPending)
	}

	bank, err := relay.Open(cfg.Station.Relays, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bank.Close(); err != nil {
			logger.Error("relay close", "error", err)
		}
	}()

	opts := station.Options{Observer: m, Logger: logger}
	if cfg.Station.Auto.Enabled {
		opts.Relay = relay.NewAutoController(bank, cfg.Station.Auto, logger)
	}
	if cfg.CSVDir != "" {
		w := csvlog.New(cfg.CSVDir, cfg.Location, cfg.DeviceID, logger)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Error("csv close", "error", err)
			}
		}()
		opts.CSV = w
	}
	if cfg.AggregateEnabled {
		opts.Aggregator = aggregator.New(aggregator.Config{
			DeviceID: cfg.DeviceID,
			Interval: cfg.AggregateInterval,
			Delta:    cfg.AggregateDelta,
			Primary:  map[string]string{telemetry.SensorClimate: telemetry.FieldTempC},
			Location: cfg.Location,
		}, aggregator.SystemClock{})
	}

	st := station.New(station.Config{
		DeviceID: cfg.DeviceID,
		Interval: cfg.ReadInterval,
		Location: cfg.Location,
	}, openSources(ctx, cfg, logger), q, opts)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("sensor close", "error", err)
		}
	}()

	var up *uploader.Uploader
	if dial != nil {
		up = uploader.New(uploader.Config{
			Root:          cfg.SinkRoot,
			BatchSize:     cfg.UploadBatchSize,
			FlushInterval: cfg.UploadFlushInterval,
			BackoffMin:    cfg.BackoffMin,
			BackoffMax:    cfg.BackoffMax,
			WriteTimeout:  cfg.SinkWriteTimeout,
			Location:      cfg.Location,
		}, q, dial, logger, m)
		defer func() {
			if err := up.Close(); err != nil {
				logger.Warn("sink close", "error", err)
			}
		}()
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(httpapi.Deps{
			Queue:   q,
			Station: st,
			Relays:  bank,
			Metrics: m.Handler(),
		}), logger)
	}

	// The uploader outlives ingestion so records read on the last tick still
	// reach the final drain.
	upCtx, stopUploader := context.WithCancel(context.WithoutCancel(ctx))
	defer stopUploader()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := st.Run(gctx)
		logger.Info("station loop stopped")
		return ignoreCanceled(err)
	})

	upDone := make(chan struct{})
	if up != nil {
		go func() {
			defer close(upDone)
			if err := up.Run(upCtx); ignoreCanceled(err) != nil {
				logger.Error("uploader stopped", "error", err)
			}
		}()
	} else {
		close(upDone)
	}

	if srv != nil {
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			logger.Info("http shutting down")
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	stopUploader()
	<-upDone

	if up != nil && cfg.FinalDrainAttempts > 0 {
		finalDrain(ctx, cfg, up, logger)
	}

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func finalDrain(ctx context.Context, cfg config.Config, up *uploader.Uploader, logger *slog.Logger) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FinalDrainTimeout)
	defer cancel()

	start := time.Now()
	sent, err := up.FinalDrain(drainCtx, cfg.FinalDrainAttempts)
	if err != nil {
		logger.Warn("final drain incomplete, records stay queued for the next start",
			"sent", sent,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	logger.Info("final drain done", "sent", sent, "duration_ms", time.Since(start).Milliseconds())
}

func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (queue.Queue, error) {
	if cfg.QueueBackend == config.QueueMemory {
		logger.Warn("using in-memory queue, records are lost on restart", "capacity", cfg.MemoryQueueCap)
		mq := queue.NewMemQueue(cfg.MemoryQueueCap, logger)
		mq.OnDrop(m.MemQueueDropped)
		return mq, nil
	}
	store, err := queue.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return store, nil
}

// openSources resolves each sensor once.
func openSources(ctx context.Context, cfg config.Config, logger *slog.Logger) []station.Source {
	indoor := []sensor.Provider{}
	outdoor := []sensor.Provider{}
	climate := []sensor.Provider{}

	if cfg.Simulate {
		indoor = append(indoor, sensor.Simulated{Label: telemetry.SensorIndoor, Wave: sensor.IndoorWave})
		outdoor = append(outdoor, sensor.Simulated{Label: telemetry.SensorOutdoor, Wave: sensor.OutdoorWave})
		climate = append(climate, sensor.Simulated{Label: telemetry.SensorClimate, Wave: sensor.ClimateWave})
	} else {
		indoor = append(indoor, sensor.PMSProvider{Path: cfg.SerialIndoor, Baud: cfg.BaudRate, Logger: logger})
		outdoor = append(outdoor, sensor.PMSProvider{Path: cfg.SerialOutdoor, Baud: cfg.BaudRate, Logger: logger})
		if cfg.BME280Enabled {
			climate = append(climate, sensor.BME280Provider{Bus: cfg.I2CBus, Address: cfg.BME280Address})
		} else {
			climate = append(climate, sensor.Disabled("bme280"))
		}
	}

	resolve := func(name string, fields []string, providers []sensor.Provider) station.Source {
		r, _ := sensor.Resolve(ctx, logger, name, fields, providers...)
		return station.Source{Sensor: name, Reader: r}
	}
	return []station.Source{
		resolve(telemetry.SensorIndoor, sensor.PMFields, indoor),
		resolve(telemetry.SensorOutdoor, sensor.PMFields, outdoor),
		resolve(telemetry.SensorClimate, sensor.ClimateFields, climate),
	}
}

// sinkDial returns nil when no sink is configured; ingestion carries on and
// records accumulate in the queue.
func sinkDial(cfg config.Config, logger *slog.Logger) sink.DialFunc {
	if !cfg.SinkEnabled() {
		logger.Warn("sink disabled, records are queued locally only", "sink", cfg.Sink)
		return nil
	}
	switch cfg.Sink {
	case config.SinkFirebase:
		return sink.DialFirebase(sink.FirebaseConfig{
			DatabaseURL:     cfg.FirebaseURL,
			CredentialsFile: cfg.FirebaseCredentials,
			CredentialsJSON: cfg.FirebaseCredentialsJSON,
		}, logger)
	case config.SinkMQTT:
		return sink.DialMQTT(sink.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
