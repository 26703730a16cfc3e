// Package snapshot serialises closed occupancy windows and fans them out to
// remote viewers over gRPC and WebSocket.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/e3-lab/beammon/internal/fei4"
	"github.com/e3-lab/beammon/internal/occupancy"
)

const (
	frameVersion = 1
	flagHasSpot  = 1 << 0
)

var frameMagic = [4]byte{'O', 'C', 'C', '1'}

// ErrBadFrame is returned by Decode for payloads that are not occupancy
// frames.
var ErrBadFrame = errors.New("snapshot: malformed frame")

// frameHeader is the fixed-size little-endian prefix of every frame.
type frameHeader struct {
	Magic        [4]byte
	Version      uint16
	Columns      uint16
	Rows         uint16
	Flags        uint16
	Seq          uint64
	WindowStart  float64
	WindowEnd    float64
	RateHz       float64
	HitCount     uint64
	MedianColumn float64
	MedianRow    float64
	MeanToT      float64
}

var headerSize = binary.Size(frameHeader{})

// Frame is a decoded occupancy snapshot.
type Frame struct {
	Seq          uint64
	WindowStart  float64
	WindowEnd    float64
	RateHz       float64
	HitCount     uint64
	HasSpot      bool
	MedianColumn float64
	MedianRow    float64
	MeanToT      float64
	Occupancy    *occupancy.Histogram
}

// Encode serialises a window summary into a zlib-compressed frame.
func Encode(s *occupancy.Summary) ([]byte, error) {
	if s == nil || s.Occupancy == nil {
		return nil, fmt.Errorf("snapshot: nothing to encode")
	}
	hdr := frameHeader{
		Magic:        frameMagic,
		Version:      frameVersion,
		Columns:      fei4.HistColumns,
		Rows:         fei4.HistRows,
		Seq:          s.Seq,
		WindowStart:  s.WindowStart,
		WindowEnd:    s.WindowEnd,
		RateHz:       s.RateHz,
		HitCount:     s.HitCount,
		MedianColumn: s.MedianColumn,
		MedianRow:    s.MedianRow,
		MeanToT:      s.MeanToT,
	}
	if s.HasSpot {
		hdr.Flags |= flagHasSpot
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("snapshot: zlib writer: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("snapshot: write header: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, s.Occupancy.Counts()); err != nil {
		return nil, fmt.Errorf("snapshot: write counts: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode.
func Decode(payload []byte) (*Frame, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	defer zr.Close()

	bins := fei4.HistColumns * fei4.HistRows
	limited := io.LimitReader(zr, int64(headerSize+4*bins))

	var hdr frameHeader
	if err := binary.Read(limited, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadFrame, err)
	}
	if hdr.Magic != frameMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadFrame, hdr.Magic[:])
	}
	if hdr.Version != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, hdr.Version)
	}
	if hdr.Columns != fei4.HistColumns || hdr.Rows != fei4.HistRows {
		return nil, fmt.Errorf("%w: unexpected geometry %dx%d", ErrBadFrame, hdr.Columns, hdr.Rows)
	}

	counts := make([]uint32, bins)
	if err := binary.Read(limited, binary.LittleEndian, counts); err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ErrBadFrame, err)
	}
	hist, err := occupancy.HistogramFromCounts(counts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	return &Frame{
		Seq:          hdr.Seq,
		WindowStart:  hdr.WindowStart,
		WindowEnd:    hdr.WindowEnd,
		RateHz:       hdr.RateHz,
		HitCount:     hdr.HitCount,
		HasSpot:      hdr.Flags&flagHasSpot != 0,
		MedianColumn: hdr.MedianColumn,
		MedianRow:    hdr.MedianRow,
		MeanToT:      hdr.MeanToT,
		Occupancy:    hist,
	}, nil
}
