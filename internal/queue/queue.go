// Package queue stores telemetry records until the uploader has delivered them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pm25-station/internal/telemetry"
)

// ErrStorageUnavailable means the backing store could not be opened or written.
var ErrStorageUnavailable = errors.New("storage unavailable")

// EntryID is assigned at insert and orders the drain.
type EntryID int64

type Entry struct {
	ID     EntryID
	Record telemetry.Record
	// SentAt is nil while the entry is pending.
	SentAt *time.Time
}

type Stats struct {
	Pending int64
	Sent    int64
	// Quarantined counts unsent rows set aside because they could not be decoded.
	Quarantined   int64
	OldestPending time.Time
}

// Queue is implemented by the SQLite Store and by MemQueue.
type Queue interface {
	Put(ctx context.Context, rec telemetry.Record) (EntryID, error)
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkSent(ctx context.Context, ids []EntryID) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
