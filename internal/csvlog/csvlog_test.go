package csvlog

import (
	"encoding/csv"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm25-station/internal/telemetry"
)

func bangkok(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)
	return loc
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func newWriter(t *testing.T, dir string) *Writer {
	t.Helper()
	w := New(dir, bangkok(t), "pi-01", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppend_FormatsRow(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)

	ts := time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append(Row{
		Time:    ts,
		Indoor:  telemetry.Values{"pm1": 4.4, "pm25": 12.6, "pm10": 20},
		Outdoor: telemetry.Unavailable("pm1", "pm25", "pm10"),
		Climate: telemetry.Values{"temp_c": 29.46, "humidity_pct": 61.04},
	}))

	rows := readRows(t, filepath.Join(dir, "2025-03-01.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{
		"2025-03-01T12:00:00+07:00",
		"4", "13", "20",
		"nan", "nan", "nan",
		"29.5", "61.0", "nan",
		"pi-01",
	}, rows[1])
}

func TestAppend_RotatesAtLocalMidnight(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	row := func(ts time.Time) Row {
		return Row{Time: ts, Indoor: telemetry.Values{"pm25": 1}}
	}

	// 16:59:59Z is 23:59:59 in Bangkok; one second later is the next day there.
	require.NoError(t, w.Append(row(time.Date(2025, 3, 1, 16, 59, 59, 0, time.UTC))))
	require.NoError(t, w.Append(row(time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC))))
	require.NoError(t, w.Append(row(time.Date(2025, 3, 1, 17, 0, 1, 0, time.UTC))))

	first := readRows(t, filepath.Join(dir, "2025-03-01.csv"))
	second := readRows(t, filepath.Join(dir, "2025-03-02.csv"))
	assert.Len(t, first, 2)
	assert.Len(t, second, 3)
	assert.Equal(t, Header, second[0])
	assert.Equal(t, "2025-03-02T00:00:00+07:00", second[1][0])
}

func TestAppend_HeaderOncePerFile(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)

	w := newWriter(t, dir)
	require.NoError(t, w.Append(Row{Time: ts}))
	require.NoError(t, w.Close())

	// A restart appends to the existing file without a second header.
	w2 := newWriter(t, dir)
	require.NoError(t, w2.Append(Row{Time: ts.Add(time.Second)}))

	rows := readRows(t, filepath.Join(dir, "2025-03-01.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, "nan", rows[2][1])
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "nan", formatInt(math.NaN()))
	assert.Equal(t, "2", formatInt(2.5))
	assert.Equal(t, "13", formatInt(12.51))
	assert.Equal(t, "nan", formatOneDecimal(math.NaN()))
	assert.Equal(t, "1013.2", formatOneDecimal(1013.24))
}
