package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"pm25-station/internal/config"
	"pm25-station/internal/db"
	"pm25-station/internal/migrate"
	"pm25-station/internal/telemetry"
)

// sentAtLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so stored times sort as text.
const sentAtLayout = "2006-01-02T15:04:05.000Z"

// markSentChunk keeps IN lists under SQLite's bound-variable limit.
const markSentChunk = 500

// Store is the SQLite-backed durable queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens and migrates the database. Any failure wraps ErrStorageUnavailable.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	conn, err := db.Open(cfg, logger)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := migrate.Run(ctx, conn, logger); err != nil {
		_ = db.Close(conn)
		return nil, storageErr("migrate", err)
	}
	return NewStore(conn), nil
}

// NewStore wraps an already migrated database.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return db.Close(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	var ok int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Put inserts rec unless an entry with the same identity exists, and returns
// the id of the stored entry either way.
func (s *Store) Put(ctx context.Context, rec telemetry.Record) (EntryID, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	valuesJSON, err := json.Marshal(rec.Values)
	if err != nil {
		return 0, fmt.Errorf("encode values: %w", err)
	}

	var aggCount, aggField, aggMin, aggMax any
	if a := rec.Aggregate; a != nil {
		aggCount, aggField = a.Count, a.Field
		aggMin, aggMax = nullableFloat(a.Min), nullableFloat(a.Max)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("put", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := rec.Key()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue (record_id, device_id, sensor, ts, values_json, agg_count, agg_field, agg_min, agg_max)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING`,
		key, rec.DeviceID, rec.Sensor, rec.TimestampString(), string(valuesJSON),
		aggCount, aggField, aggMin, aggMax,
	)
	if err != nil {
		return 0, storageErr("put", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM queue WHERE record_id = ?`, key).Scan(&id); err != nil {
		return 0, storageErr("put", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("put", err)
	}
	return EntryID(id), nil
}

// Pending returns up to limit unsent entries, oldest first. Rows that cannot
// be decoded are quarantined and left out so they never stall the drain.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, sensor, ts, values_json, agg_count, agg_field, agg_min, agg_max
		FROM queue
		WHERE sent_at IS NULL AND quarantined_at IS NULL
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("pending", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close pending rows", "error", err)
		}
	}()

	var (
		out []Entry
		bad []corruptEntry
	)
	for rows.Next() {
		e, err := scanEntry(rows)
		if errors.Is(err, errCorruptEntry) {
			bad = append(bad, corruptEntry{id: e.ID, reason: err.Error()})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending", err)
	}
	// The single connection is held by rows until closed.
	if err := rows.Close(); err != nil {
		return nil, storageErr("pending", err)
	}

	for _, b := range bad {
		if err := s.quarantine(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var errCorruptEntry = errors.New("corrupt queue entry")

type corruptEntry struct {
	id     EntryID
	reason string
}

func (s *Store) quarantine(ctx context.Context, b corruptEntry) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET quarantined_at = ?, quarantine_reason = ? WHERE id = ? AND quarantined_at IS NULL`,
		s.now().UTC().Format(sentAtLayout), b.reason, int64(b.id),
	)
	if err != nil {
		return storageErr("quarantine", err)
	}
	slog.Warn("queue entry quarantined", "id", int64(b.id), "reason", b.reason)
	return nil
}

// scanEntry returns errCorruptEntry, with the entry id set, when the row was
// read but its timestamp or values cannot be decoded.
func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		id         int64
		rec        telemetry.Record
		ts         string
		valuesJSON string
		aggCount   sql.NullInt64
		aggField   sql.NullString
		aggMin     sql.NullFloat64
		aggMax     sql.NullFloat64
	)
	if err := rows.Scan(&id, &rec.DeviceID, &rec.Sensor, &ts, &valuesJSON, &aggCount, &aggField, &aggMin, &aggMax); err != nil {
		return Entry{}, storageErr("scan", err)
	}
	t, err := telemetry.ParseTimestamp(ts)
	if err != nil {
		return Entry{ID: EntryID(id)}, fmt.Errorf("%w %d: %v", errCorruptEntry, id, err)
	}
	rec.Timestamp = t
	if err := json.Unmarshal([]byte(valuesJSON), &rec.Values); err != nil {
		return Entry{ID: EntryID(id)}, fmt.Errorf("%w %d: decode values: %v", errCorruptEntry, id, err)
	}
	if aggCount.Valid {
		rec.Aggregate = &telemetry.AggregateMeta{
			Count: int(aggCount.Int64),
			Field: aggField.String,
			Min:   floatOrNaN(aggMin),
			Max:   floatOrNaN(aggMax),
		}
	}
	return Entry{ID: EntryID(id), Record: rec}, nil
}

// MarkSent stamps sent_at on the given pending entries. Unknown or already
// sent ids are ignored.
func (s *Store) MarkSent(ctx context.Context, ids []EntryID) error {
	if len(ids) == 0 {
		return nil
	}
	sentAt := s.now().UTC().Format(sentAtLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("mark sent", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += markSentChunk {
		end := min(start+markSentChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, sentAt)
		for _, id := range chunk {
			args = append(args, int64(id))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		q := `UPDATE queue SET sent_at = ? WHERE sent_at IS NULL AND id IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return storageErr("mark sent", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("mark sent", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sent_at IS NULL AND quarantined_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sent_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sent_at IS NULL AND quarantined_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM queue`).Scan(&st.Pending, &st.Sent, &st.Quarantined)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}

	var ts string
	err = s.db.QueryRowContext(ctx, `SELECT ts FROM queue WHERE sent_at IS NULL AND quarantined_at IS NULL ORDER BY id ASC LIMIT 1`).Scan(&ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Stats{}, storageErr("stats", err)
	default:
		if t, perr := telemetry.ParseTimestamp(ts); perr == nil {
			st.OldestPending = t
		}
	}
	return st, nil
}

// Prune deletes entries sent before the given instant. Pending entries are
// never touched.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE sent_at IS NOT NULL AND sent_at < ?`,
		before.UTC().Format(sentAtLayout),
	)
	if err != nil {
		return 0, storageErr("prune", err)
	}
	return res.RowsAffected()
}

func nullableFloat(f float64) any {
	if telemetry.IsUnavailable(f) {
		return nil
	}
	return f
}

func floatOrNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

var _ Queue = (*Store)(nil)
