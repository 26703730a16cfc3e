// Package occupancy reduces decoded FE-I4 hits into fixed-duration
// integration windows: a hit count, a 2-D occupancy histogram and a
// beam-spot estimate per window.
package occupancy

import (
	"fmt"

	"github.com/e3-lab/beammon/internal/fei4"
)

// Histogram is an 81x337 hit-count map indexed directly by chip column and
// row. Bin (0, *) and (*, 0) are never filled by valid data records.
type Histogram struct {
	counts [fei4.HistColumns * fei4.HistRows]uint32
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram { return &Histogram{} }

func index(col, row int) int { return col*fei4.HistRows + row }

// Add increments the bin at (col, row). Out-of-range coordinates are ignored.
func (h *Histogram) Add(col, row int) {
	if col < 0 || col >= fei4.HistColumns || row < 0 || row >= fei4.HistRows {
		return
	}
	h.counts[index(col, row)]++
}

// At returns the count at (col, row), or 0 when out of range.
func (h *Histogram) At(col, row int) uint32 {
	if col < 0 || col >= fei4.HistColumns || row < 0 || row >= fei4.HistRows {
		return 0
	}
	return h.counts[index(col, row)]
}

// Counts exposes the column-major bin array. Callers must not modify it.
func (h *Histogram) Counts() []uint32 { return h.counts[:] }

// Sum returns the total number of hits in the histogram.
func (h *Histogram) Sum() uint64 {
	var total uint64
	for _, c := range h.counts {
		total += uint64(c)
	}
	return total
}

// Max returns the largest bin count.
func (h *Histogram) Max() uint32 {
	var m uint32
	for _, c := range h.counts {
		if c > m {
			m = c
		}
	}
	return m
}

// Occupied returns the number of non-empty bins.
func (h *Histogram) Occupied() int {
	n := 0
	for _, c := range h.counts {
		if c != 0 {
			n++
		}
	}
	return n
}

// HistogramFromCounts builds a histogram from a column-major bin array as
// returned by Counts.
func HistogramFromCounts(counts []uint32) (*Histogram, error) {
	h := NewHistogram()
	if len(counts) != len(h.counts) {
		return nil, fmt.Errorf("histogram needs %d bins, got %d", len(h.counts), len(counts))
	}
	copy(h.counts[:], counts)
	return h, nil
}

// Clone returns an independent copy.
func (h *Histogram) Clone() *Histogram {
	c := *h
	return &c
}

// Reset zeroes every bin.
func (h *Histogram) Reset() { clear(h.counts[:]) }
