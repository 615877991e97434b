package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDisk = errors.New("disk I/O error")

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn), mock
}

func TestStore_PutBeginFailureIsStorageUnavailable(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin().WillReturnError(errDisk)

	_, err := s.Put(context.Background(), rec(t, "indoor", 0, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, errDisk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutInsertFailureRollsBack(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue").WillReturnError(errDisk)
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), rec(t, "indoor", 0, 10))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutReturnsStoredID(t *testing.T) {
	s, mock := mockStore(t)
	r := rec(t, "indoor", 0, 10)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM queue WHERE record_id").
		WithArgs(r.Key()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	id, err := s.Put(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, EntryID(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CanceledContextIsNotStorageUnavailable(t *testing.T) {
	s, mock := mockStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.MarkSent(ctx, []EntryID{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PingFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("SELECT 1").WillReturnError(errDisk)

	assert.ErrorIs(t, s.Ping(context.Background()), ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PruneReportsRowsAffected(t *testing.T) {
	s, mock := mockStore(t)
	before := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM queue WHERE sent_at IS NOT NULL").
		WithArgs("2025-01-01T00:00:00.000Z").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Prune(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
