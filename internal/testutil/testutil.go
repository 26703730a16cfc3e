// Package testutil provides shared test utilities and fixtures.
//
// This package centralises readout fixtures and common assertions so the
// analysis, session and transport tests build batches the same way.
package testutil

import (
	"testing"

	"github.com/e3-lab/beammon/internal/fei4"
	"github.com/e3-lab/beammon/internal/readout"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// HitWords encodes hits as raw FE-I4 data records.
func HitWords(hits ...fei4.Hit) []uint32 {
	words := make([]uint32, len(hits))
	for i, h := range hits {
		words[i] = fei4.EncodeDataRecord(h.Column, h.Row, h.ToT1, h.ToT2)
	}
	return words
}

// SpotBatch returns a batch with n hits at (col, row) spanning [start, stop],
// framed by a trigger word and a data header as the FIFO would deliver them.
func SpotBatch(start, stop float64, col, row uint16, n int) readout.Batch {
	words := make([]uint32, 0, n+2)
	words = append(words, fei4.EncodeTrigger(1), fei4.EncodeDataHeader(0))
	for i := 0; i < n; i++ {
		words = append(words, fei4.EncodeDataRecord(col, row, 5, 15))
	}
	return readout.Batch{Words: words, TimestampStart: start, TimestampStop: stop}
}

// EmptyBatch returns a batch with no hit words.
func EmptyBatch(start, stop float64) readout.Batch {
	return readout.Batch{
		Words:          []uint32{fei4.EncodeTrigger(2)},
		TimestampStart: start,
		TimestampStop:  stop,
	}
}
