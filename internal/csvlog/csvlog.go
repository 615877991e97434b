// Package csvlog appends one row per reading tick to a daily CSV file.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pm25-station/internal/telemetry"
)

var Header = []string{
	"timestamp",
	"indoor_pm1", "indoor_pm25", "indoor_pm10",
	"outdoor_pm1", "outdoor_pm25", "outdoor_pm10",
	"temp_c", "humidity_pct", "pressure_hpa",
	"device_id",
}

// Row is one tick of readings. Missing maps are written as nan.
type Row struct {
	Time    time.Time
	Indoor  telemetry.Values
	Outdoor telemetry.Values
	Climate telemetry.Values
}

// Writer rotates to DIR/YYYY-MM-DD.csv using the date in its location.
type Writer struct {
	dir      string
	loc      *time.Location
	deviceID string
	logger   *slog.Logger

	mu      sync.Mutex
	current string
	file    *os.File
	w       *csv.Writer
}

func New(dir string, loc *time.Location, deviceID string, logger *slog.Logger) *Writer {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, loc: loc, deviceID: deviceID, logger: logger}
}

// PathFor returns the file a row at t belongs to.
func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, t.In(w.loc).Format(time.DateOnly)+".csv")
}

func (w *Writer) Append(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.PathFor(row.Time)
	if path != w.current {
		if err := w.rotate(path); err != nil {
			return err
		}
	}

	rec := make([]string, 0, len(Header))
	rec = append(rec, telemetry.FormatTimestamp(row.Time.In(w.loc)))
	for _, f := range []string{telemetry.FieldPM1, telemetry.FieldPM25, telemetry.FieldPM10} {
		rec = append(rec, formatInt(field(row.Indoor, f)))
	}
	for _, f := range []string{telemetry.FieldPM1, telemetry.FieldPM25, telemetry.FieldPM10} {
		rec = append(rec, formatInt(field(row.Outdoor, f)))
	}
	for _, f := range []string{telemetry.FieldTempC, telemetry.FieldHumidity, telemetry.FieldPressure} {
		rec = append(rec, formatOneDecimal(field(row.Climate, f)))
	}
	rec = append(rec, w.deviceID)

	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (w *Writer) rotate(path string) error {
	if err := w.closeFile(); err != nil {
		w.logger.Warn("close csv file failed", "path", w.current, "error", err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create csv dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat csv %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			_ = f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	w.file, w.w, w.current = f, cw, path
	w.logger.Info("csv log file opened", "path", path)
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.w, w.current = nil, nil, ""
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func field(v telemetry.Values, name string) float64 {
	if f, ok := v[name]; ok {
		return f
	}
	return math.NaN()
}

func formatInt(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	return strconv.FormatInt(int64(math.RoundToEven(f)), 10)
}

func formatOneDecimal(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	return strconv.FormatFloat(f, 'f', 1, 64)
}
