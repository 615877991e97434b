package sensor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// PMS5003/PMS7003 frame layout.
const (
	FrameLen     = 32
	frameBodyLen = FrameLen - 4

	offPM1  = 10
	offPM25 = 12
	offPM10 = 14
	offSum  = 30

	maxScanBuffer = 4 * FrameLen
)

var frameHeader = []byte{0x42, 0x4D}

var (
	errShortFrame = errors.New("short frame")
	errBadHeader  = errors.New("bad frame header")
	errBadLength  = errors.New("bad frame length")
	errBadSum     = errors.New("bad frame checksum")
)

// Frame holds the atmospheric-environment mass concentrations in µg/m³.
type Frame struct {
	PM1  uint16
	PM25 uint16
	PM10 uint16
}

// DecodeFrame decodes exactly one 32-byte frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", errShortFrame, len(b))
	}
	b = b[:FrameLen]
	if !bytes.HasPrefix(b, frameHeader) {
		return Frame{}, fmt.Errorf("%w: % X", errBadHeader, b[:2])
	}
	if n := binary.BigEndian.Uint16(b[2:4]); n != frameBodyLen {
		return Frame{}, fmt.Errorf("%w: %d", errBadLength, n)
	}
	var sum uint16
	for _, c := range b[:offSum] {
		sum += uint16(c)
	}
	if want := binary.BigEndian.Uint16(b[offSum:]); sum != want {
		return Frame{}, fmt.Errorf("%w: got %#04x want %#04x", errBadSum, sum, want)
	}
	return Frame{
		PM1:  binary.BigEndian.Uint16(b[offPM1:]),
		PM25: binary.BigEndian.Uint16(b[offPM25:]),
		PM10: binary.BigEndian.Uint16(b[offPM10:]),
	}, nil
}

// FrameScanner accumulates bytes from a stream and extracts frames.
type FrameScanner struct {
	buf []byte
}

// Feed appends p and returns the newest valid frame completed by it. Bytes
// before a header are discarded; a header that does not start a valid frame
// is skipped. ok is false when no new frame was completed.
func (s *FrameScanner) Feed(p []byte) (frame Frame, ok bool) {
	s.buf = append(s.buf, p...)
	for {
		idx := bytes.Index(s.buf, frameHeader)
		if idx < 0 {
			// A trailing 0x42 may be the first half of a header.
			if n := len(s.buf); n > 0 && s.buf[n-1] == frameHeader[0] {
				s.buf = append(s.buf[:0], frameHeader[0])
			} else {
				s.buf = s.buf[:0]
			}
			break
		}
		s.buf = s.buf[idx:]
		if len(s.buf) < FrameLen {
			break
		}
		f, err := DecodeFrame(s.buf)
		if err != nil {
			s.buf = s.buf[1:]
			continue
		}
		frame, ok = f, true
		s.buf = s.buf[FrameLen:]
	}
	if len(s.buf) > maxScanBuffer {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-maxScanBuffer:]...)
	}
	return frame, ok
}

// Buffered returns the number of bytes held for the next frame.
func (s *FrameScanner) Buffered() int { return len(s.buf) }

// Reset drops any buffered bytes.
func (s *FrameScanner) Reset() { s.buf = s.buf[:0] }
