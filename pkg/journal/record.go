package journal

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Record tags, per spec §6. All multi-byte fields are big-endian.
// TagBegin is this implementation's choice of the explicit form of
// §4.4.1's "BEGIN(Ts) (may be implicit if BEGIN is idempotent from the Tc
// log)" — see journal.applyRecord and tso.Begin.
const (
	TagRange            byte = 0x00 // RANGE(highWater)
	TagCommit           byte = 0x01 // COMMIT(Ts, Tc)
	TagAbort            byte = 0x02 // ABORT(Ts)
	TagWatermarkAdvance byte = 0x03 // LOW_WATERMARK_ADVANCE(L)
	TagBegin            byte = 0x04 // BEGIN(Ts)
)

var errShortRecord = errors.New("journal: record too short for its tag")

// EncodeRange serializes a RANGE(highWater) record.
func EncodeRange(highWater uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagRange
	binary.BigEndian.PutUint64(buf[1:], highWater)
	return buf
}

// EncodeCommit serializes a COMMIT(Ts, Tc) record.
func EncodeCommit(ts, tc uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = TagCommit
	binary.BigEndian.PutUint64(buf[1:9], ts)
	binary.BigEndian.PutUint64(buf[9:], tc)
	return buf
}

// EncodeAbort serializes an ABORT(Ts) record.
func EncodeAbort(ts uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagAbort
	binary.BigEndian.PutUint64(buf[1:], ts)
	return buf
}

// EncodeWatermarkAdvance serializes a LOW_WATERMARK_ADVANCE(L) checkpoint.
func EncodeWatermarkAdvance(l uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagWatermarkAdvance
	binary.BigEndian.PutUint64(buf[1:], l)
	return buf
}

// EncodeBegin serializes a BEGIN(Ts) record.
func EncodeBegin(ts uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagBegin
	binary.BigEndian.PutUint64(buf[1:], ts)
	return buf
}

// Record is a decoded journal entry, exposing only the fields relevant to
// its tag.
type Record struct {
	Tag byte
	Ts  uint64
	Tc  uint64 // COMMIT only
	L   uint64 // RANGE / LOW_WATERMARK_ADVANCE only (reused field: highWater or L)
}

// Decode parses a single record produced by one of the Encode* helpers.
func Decode(b []byte) (Record, error) {
	if len(b) == 0 {
		return Record{}, errShortRecord
	}
	switch b[0] {
	case TagRange:
		if len(b) < 9 {
			return Record{}, errShortRecord
		}
		return Record{Tag: TagRange, L: binary.BigEndian.Uint64(b[1:9])}, nil
	case TagCommit:
		if len(b) < 17 {
			return Record{}, errShortRecord
		}
		return Record{
			Tag: TagCommit,
			Ts:  binary.BigEndian.Uint64(b[1:9]),
			Tc:  binary.BigEndian.Uint64(b[9:17]),
		}, nil
	case TagAbort:
		if len(b) < 9 {
			return Record{}, errShortRecord
		}
		return Record{Tag: TagAbort, Ts: binary.BigEndian.Uint64(b[1:9])}, nil
	case TagWatermarkAdvance:
		if len(b) < 9 {
			return Record{}, errShortRecord
		}
		return Record{Tag: TagWatermarkAdvance, L: binary.BigEndian.Uint64(b[1:9])}, nil
	case TagBegin:
		if len(b) < 9 {
			return Record{}, errShortRecord
		}
		return Record{Tag: TagBegin, Ts: binary.BigEndian.Uint64(b[1:9])}, nil
	default:
		return Record{}, errors.Errorf("journal: unknown record tag 0x%02x", b[0])
	}
}
