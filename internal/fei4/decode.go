// Package fei4 classifies and decodes raw 32-bit FE-I4 readout words.
//
// The readout FIFO interleaves front-end (FE) words with trigger and TDC
// words from the readout board. FE words carry a 24-bit FE-I4 record in
// their low bits; data records hold one or two hits for a column/row pair.
package fei4

// Pixel matrix geometry. Columns and rows are 1-based on the chip; the
// histogram is indexed directly so it carries one spare bin per axis.
const (
	NumColumns  = 80
	NumRows     = 336
	HistColumns = NumColumns + 1
	HistRows    = NumRows + 1
)

// Kind identifies the record type of a raw word.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrigger
	KindTDC
	KindDataHeader
	KindAddressRecord
	KindValueRecord
	KindServiceRecord
	KindDataRecord
)

func (k Kind) String() string {
	switch k {
	case KindTrigger:
		return "trigger"
	case KindTDC:
		return "tdc"
	case KindDataHeader:
		return "data_header"
	case KindAddressRecord:
		return "address_record"
	case KindValueRecord:
		return "value_record"
	case KindServiceRecord:
		return "service_record"
	case KindDataRecord:
		return "data_record"
	default:
		return "unknown"
	}
}

const (
	triggerFlag = 0x80000000
	sourceMask  = 0xF0000000
	tdcSource   = 0x40000000

	headerMask    = 0x00FF0000
	dataHeader    = 0x00E90000
	addressRecord = 0x00EA0000
	valueRecord   = 0x00EC0000
	serviceRecord = 0x00EF0000

	columnMask  = 0x00FE0000
	columnShift = 17
	rowMask     = 0x0001FF00
	rowShift    = 8
	tot1Mask    = 0x000000F0
	tot1Shift   = 4
	tot2Mask    = 0x0000000F
)

// Hit is a single decoded pixel hit.
type Hit struct {
	Column uint16
	Row    uint16
	ToT1   uint8
	ToT2   uint8
}

// IsTriggerWord reports whether w is a trigger number word.
func IsTriggerWord(w uint32) bool { return w&triggerFlag != 0 }

// IsTDCWord reports whether w is a TDC word.
func IsTDCWord(w uint32) bool { return w&sourceMask == tdcSource }

// IsFEWord reports whether w came from the front end rather than the
// readout board.
func IsFEWord(w uint32) bool { return w&sourceMask == 0 }

// IsDataHeader reports whether w is an FE-I4 data header.
func IsDataHeader(w uint32) bool { return w&headerMask == dataHeader }

// IsAddressRecord reports whether w is an FE-I4 address record.
func IsAddressRecord(w uint32) bool { return w&headerMask == addressRecord }

// IsValueRecord reports whether w is an FE-I4 value record.
func IsValueRecord(w uint32) bool { return w&headerMask == valueRecord }

// IsServiceRecord reports whether w is an FE-I4 service record.
func IsServiceRecord(w uint32) bool { return w&headerMask == serviceRecord }

// IsDataRecord reports whether the column and row fields of w are inside
// the pixel matrix. Header records fall outside because their column field
// exceeds 80.
func IsDataRecord(w uint32) bool {
	col := (w & columnMask) >> columnShift
	row := (w & rowMask) >> rowShift
	return col >= 1 && col <= NumColumns && row >= 1 && row <= NumRows
}

// IsHitWord reports whether w is a front-end data record.
func IsHitWord(w uint32) bool { return IsFEWord(w) && IsDataRecord(w) }

// Classify returns the record kind of w.
func Classify(w uint32) Kind {
	switch {
	case IsTriggerWord(w):
		return KindTrigger
	case IsTDCWord(w):
		return KindTDC
	case !IsFEWord(w):
		return KindUnknown
	case IsDataHeader(w):
		return KindDataHeader
	case IsAddressRecord(w):
		return KindAddressRecord
	case IsValueRecord(w):
		return KindValueRecord
	case IsServiceRecord(w):
		return KindServiceRecord
	case IsDataRecord(w):
		return KindDataRecord
	default:
		return KindUnknown
	}
}

// DecodeHit extracts the hit fields of a data record. The caller must have
// checked IsHitWord.
func DecodeHit(w uint32) Hit {
	return Hit{
		Column: uint16((w & columnMask) >> columnShift),
		Row:    uint16((w & rowMask) >> rowShift),
		ToT1:   uint8((w & tot1Mask) >> tot1Shift),
		ToT2:   uint8(w & tot2Mask),
	}
}

// Decode returns the hits contained in words, in stream order. Words that
// are not front-end data records are skipped.
func Decode(words []uint32) []Hit {
	return AppendHits(nil, words)
}

// AppendHits appends the hits contained in words to dst and returns the
// extended slice, so callers can reuse a buffer across batches.
func AppendHits(dst []Hit, words []uint32) []Hit {
	for _, w := range words {
		if IsHitWord(w) {
			dst = append(dst, DecodeHit(w))
		}
	}
	return dst
}

// HitMask returns, for each word, whether it is a front-end data record.
func HitMask(words []uint32) []bool {
	mask := make([]bool, len(words))
	for i, w := range words {
		mask[i] = IsHitWord(w)
	}
	return mask
}

// ColumnsRows returns the column and row arrays of the front-end data
// records in words.
func ColumnsRows(words []uint32) (cols, rows []uint16) {
	for _, w := range words {
		if !IsHitWord(w) {
			continue
		}
		cols = append(cols, uint16((w&columnMask)>>columnShift))
		rows = append(rows, uint16((w&rowMask)>>rowShift))
	}
	return cols, rows
}

// EncodeDataRecord packs a hit into a raw front-end data record word. Values
// outside their field width are truncated.
func EncodeDataRecord(column, row uint16, tot1, tot2 uint8) uint32 {
	return uint32(column)<<columnShift&columnMask |
		uint32(row)<<rowShift&rowMask |
		uint32(tot1)<<tot1Shift&tot1Mask |
		uint32(tot2)&tot2Mask
}

// EncodeDataHeader returns an FE-I4 data header word carrying the given
// bunch crossing id.
func EncodeDataHeader(bcid uint16) uint32 {
	return dataHeader | uint32(bcid&0x3FF)
}

// EncodeTrigger returns a trigger word for the given trigger number.
func EncodeTrigger(number uint32) uint32 {
	return triggerFlag | number&^triggerFlag
}
