// Package uploader drains the telemetry queue into a sink in the background.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pm25-station/internal/queue"
	"pm25-station/internal/sink"
)

// Source is the part of the queue the uploader needs.
type Source interface {
	Pending(ctx context.Context, limit int) ([]queue.Entry, error)
	MarkSent(ctx context.Context, ids []queue.EntryID) error
}

// Observer receives upload outcomes, typically for metrics.
type Observer interface {
	UploadSucceeded(records int, elapsed time.Duration)
	UploadFailed(kind string, elapsed time.Duration)
	BackoffChanged(wait time.Duration)
}

type nopObserver struct{}

func (nopObserver) UploadSucceeded(int, time.Duration) {}
func (nopObserver) UploadFailed(string, time.Duration) {}
func (nopObserver) BackoffChanged(time.Duration) {}

type Config struct {
	Root          string
	BatchSize     int
	FlushInterval time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	// WriteTimeout bounds one dial plus one bulk write.
	WriteTimeout time.Duration
	Location     *time.Location
}

// Result is the outcome of one drain attempt.
type Result struct {
	// Attempted is the size of the batch handed to the sink.
	Attempted int
	// Sent is the number of entries marked sent.
	Sent int
	Err  error
	Kind sink.Kind
}

type Uploader struct {
	cfg     Config
	queue   Source
	dial    sink.DialFunc
	logger  *slog.Logger
	obs     Observer
	backoff *Backoff

	// session is nil until the first attempt and after every failure.
	session sink.Sink

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, q Source, dial sink.DialFunc, logger *slog.Logger, obs Observer) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Uploader{
		cfg:     cfg,
		queue:   q,
		dial:    dial,
		logger:  logger,
		obs:     obs,
		backoff: NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
		sleep:   sleepCtx,
	}
}

// Run drains until ctx is cancelled. Entries not yet marked sent stay pending.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info("uploader started",
		"batch_size", u.cfg.BatchSize,
		"flush_interval", u.cfg.FlushInterval,
		"backoff_max", u.backoff.Max,
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := u.DrainOnce(ctx)

		var wait time.Duration
		switch {
		case res.Err != nil:
			if err := ctx.Err(); err != nil {
				return err
			}
			wait = u.backoff.Next()
			u.obs.BackoffChanged(wait)
			u.logFailure(res, wait)
		case res.Sent == 0:
			wait = u.cfg.FlushInterval
		default:
			u.backoff.Reset()
			u.obs.BackoffChanged(0)
			u.logger.Debug("batch uploaded", "records", res.Sent)
			if res.Sent < u.cfg.BatchSize {
				wait = u.cfg.FlushInterval
			}
		}

		if wait > 0 {
			if err := u.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// DrainOnce uploads at most one batch.
func (u *Uploader) DrainOnce(ctx context.Context) Result {
	entries, err := u.queue.Pending(ctx, u.cfg.BatchSize)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch pending: %w", err), Kind: sink.KindTransient}
	}
	if len(entries) == 0 {
		return Result{}
	}

	updates := make(map[string]sink.Payload, len(entries))
	ids := make([]queue.EntryID, 0, len(entries))
	for _, e := range entries {
		updates[Path(u.cfg.Root, e.Record, u.cfg.Location)] = PayloadFor(e.Record, u.cfg.Location)
		ids = append(ids, e.ID)
	}

	start := time.Now()
	if err := u.write(ctx, updates); err != nil {
		u.invalidate()
		kind := sink.Classify(err)
		u.obs.UploadFailed(kind.String(), time.Since(start))
		return Result{Attempted: len(entries), Err: err, Kind: kind}
	}

	// The write landed; record it even if shutdown started meanwhile.
	if err := u.queue.MarkSent(context.WithoutCancel(ctx), ids); err != nil {
		u.obs.UploadFailed("storage", time.Since(start))
		return Result{Attempted: len(entries), Err: fmt.Errorf("mark sent: %w", err), Kind: sink.KindTransient}
	}
	u.obs.UploadSucceeded(len(ids), time.Since(start))
	return Result{Attempted: len(entries), Sent: len(ids)}
}

// FinalDrain makes at most attempts drain attempts, stopping once the queue is
// empty. It returns how many entries were sent and the last error.
func (u *Uploader) FinalDrain(ctx context.Context, attempts int) (int, error) {
	sent := 0
	var lastErr error
	for i := 0; i < attempts; i++ {
		res := u.DrainOnce(ctx)
		sent += res.Sent
		if res.Err != nil {
			lastErr = res.Err
			u.logFailure(res, 0)
			if ctx.Err() != nil {
				break
			}
			if err := u.sleep(ctx, u.backoff.Min); err != nil {
				break
			}
			continue
		}
		lastErr = nil
		if res.Attempted == 0 {
			break
		}
	}
	return sent, lastErr
}

// Close releases the current sink session, if any.
func (u *Uploader) Close() error {
	if u.session == nil {
		return nil
	}
	err := u.session.Close()
	u.session = nil
	return err
}

func (u *Uploader) write(ctx context.Context, updates map[string]sink.Payload) error {
	if u.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.WriteTimeout)
		defer cancel()
	}
	if u.session == nil {
		s, err := u.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial sink: %w", err)
		}
		u.session = s
	}
	return u.session.Write(ctx, updates)
}

func (u *Uploader) invalidate() {
	if u.session == nil {
		return
	}
	if err := u.session.Close(); err != nil {
		u.logger.Debug("close sink session", "error", err)
	}
	u.session = nil
}

func (u *Uploader) logFailure(res Result, wait time.Duration) {
	attrs := []any{
		"error", res.Err,
		"batch", res.Attempted,
		"retry_in", wait,
	}
	if res.Kind == sink.KindAuth {
		u.logger.Error("sink rejected credentials, batch kept pending", attrs...)
		return
	}
	if errors.Is(res.Err, queue.ErrStorageUnavailable) {
		u.logger.Error("queue unavailable, upload paused", attrs...)
		return
	}
	u.logger.Warn("upload failed, batch kept pending", attrs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
