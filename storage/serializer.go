package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Segment layout:
// [ lastWritePosition u32 ] [ record ] [ record ] ...
//
// Record layout:
// [ keyLen u8 ] [ key ] [ valueLen u32 ] [ value ] [ crc32(value) u32 ]
const (
	SegmentHeaderSize = 4
	RecordOverhead    = 1 + 4 + 4
	MaxKeyLength      = 255
)

var ErrShortRecord = errors.New("record crosses write position")

// RecordSize returns the encoded size of a record.
func RecordSize(keyLen, valueLen int) int {
	return RecordOverhead + keyLen + valueLen
}

// Checksum is the CRC-32 (IEEE) stored after every value.
func Checksum(value []byte) uint32 {
	return crc32.ChecksumIEEE(value)
}

// EncodeRecord writes a record to the start of buf and returns its size.
// buf must hold RecordSize(len(key), len(value)) bytes.
func EncodeRecord(buf, key, value []byte) int {
	n := 0
	buf[n] = byte(len(key))
	n++
	n += copy(buf[n:], key)
	binary.BigEndian.PutUint32(buf[n:], uint32(len(value)))
	n += 4
	n += copy(buf[n:], value)
	binary.BigEndian.PutUint32(buf[n:], Checksum(value))
	n += 4

	return n
}

// RawRecord is a record decoded in place; Key and Value alias the source buffer.
type RawRecord struct {
	Key      []byte
	Value    []byte
	Checksum uint32
	Size     int
}

// Valid reports whether the stored checksum matches the value.
func (r RawRecord) Valid() bool {
	return Checksum(r.Value) == r.Checksum
}

// DecodeRecord parses the record at the start of buf. buf must end at the
// segment's write position: a record whose lengths reach past it returns
// ErrShortRecord.
func DecodeRecord(buf []byte) (RawRecord, error) {
	if len(buf) < RecordOverhead {
		return RawRecord{}, ErrShortRecord
	}

	keyLen := int(buf[0])
	if len(buf) < RecordOverhead+keyLen {
		return RawRecord{}, ErrShortRecord
	}

	valueLen := binary.BigEndian.Uint32(buf[1+keyLen:])
	if uint64(valueLen) > uint64(len(buf)-RecordOverhead-keyLen) {
		return RawRecord{}, ErrShortRecord
	}

	size := RecordSize(keyLen, int(valueLen))
	valueStart := 1 + keyLen + 4

	return RawRecord{
		Key:      buf[1 : 1+keyLen],
		Value:    buf[valueStart : valueStart+int(valueLen)],
		Checksum: binary.BigEndian.Uint32(buf[size-4:]),
		Size:     size,
	}, nil
}
