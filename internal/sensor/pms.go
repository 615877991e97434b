package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"pm25-station/internal/telemetry"
)

const (
	pmsReadTimeout = 50 * time.Millisecond
	pmsReadChunk   = 256
	// pmsMaxReads bounds how long one Read may keep draining the port.
	pmsMaxReads = 8
)

// PortOpener opens a serial device. Reads must return (0, nil) on timeout.
type PortOpener func(path string, baud int) (io.ReadCloser, error)

// OpenSerial opens path as 8N1 at baud with a short read timeout.
func OpenSerial(path string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(pmsReadTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	// Stale bytes from before startup are not worth decoding.
	_ = port.ResetInputBuffer()
	return port, nil
}

// PMSProvider reads a Plantower particulate sensor on a serial port.
type PMSProvider struct {
	Path   string
	Baud   int
	Opener PortOpener
	Logger *slog.Logger
}

func (p PMSProvider) Name() string { return "pms:" + p.Path }

func (p PMSProvider) Open(ctx context.Context) (Reader, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: no serial port configured", ErrUnavailable)
	}
	opener := p.Opener
	if opener == nil {
		opener = OpenSerial
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &pmsReader{path: p.Path, baud: p.Baud, open: opener, logger: logger}
	if err := r.reopen(); err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, p.Path, err)
	}
	return r, nil
}

type pmsReader struct {
	path   string
	baud   int
	open   PortOpener
	logger *slog.Logger

	mu      sync.Mutex
	port    io.ReadCloser
	scanner FrameScanner
	chunk   [pmsReadChunk]byte
}

func (r *pmsReader) reopen() error {
	port, err := r.open(r.path, r.baud)
	if err != nil {
		return err
	}
	r.port = port
	r.scanner.Reset()
	return nil
}

// Read drains what the port has buffered and returns the newest frame in it.
// No complete frame this tick is reported as unavailable.
func (r *pmsReader) Read(ctx context.Context) (telemetry.Values, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		if err := r.reopen(); err != nil {
			return telemetry.Unavailable(PMFields...), fmt.Errorf("%w: reopen %s: %v", ErrUnavailable, r.path, err)
		}
		r.logger.Info("serial port reopened", "port", r.path)
	}

	var (
		frame Frame
		found bool
	)
	for i := 0; i < pmsMaxReads; i++ {
		if err := ctx.Err(); err != nil {
			return telemetry.Unavailable(PMFields...), err
		}
		n, err := r.port.Read(r.chunk[:])
		if n > 0 {
			if f, ok := r.scanner.Feed(r.chunk[:n]); ok {
				frame, found = f, true
			}
		}
		if err != nil {
			r.closePort()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return telemetry.Unavailable(PMFields...), fmt.Errorf("%w: read %s: %v", ErrUnavailable, r.path, err)
		}
		if n < len(r.chunk) {
			break
		}
	}
	if !found {
		return telemetry.Unavailable(PMFields...), fmt.Errorf("%w: no complete frame from %s", ErrUnavailable, r.path)
	}
	return telemetry.Values{
		telemetry.FieldPM1:  float64(frame.PM1),
		telemetry.FieldPM25: float64(frame.PM25),
		telemetry.FieldPM10: float64(frame.PM10),
	}, nil
}

func (r *pmsReader) closePort() {
	if r.port == nil {
		return
	}
	if err := r.port.Close(); err != nil {
		r.logger.Debug("serial close failed", "port", r.path, "error", err)
	}
	r.port = nil
}

func (r *pmsReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closePort()
	return nil
}
