package codec

import (
	"cmp"
	"encoding/binary"

	"github.com/pkg/errors"
)

const changeKeyLength = 16

// ChangeKey identifies an entry of a change log: the changeset, the log file
// index inside it and the byte position inside that log.
type ChangeKey struct {
	ChangeID    int32
	LogIndex    int32
	LogPosition int64
}

// CompareChangeKeys orders by changeset, then log index, then log position.
func CompareChangeKeys(a, b ChangeKey) int {
	switch {
	case a.ChangeID != b.ChangeID:
		return cmp.Compare(a.ChangeID, b.ChangeID)
	case a.LogIndex != b.LogIndex:
		return cmp.Compare(a.LogIndex, b.LogIndex)
	default:
		return cmp.Compare(a.LogPosition, b.LogPosition)
	}
}

// ChangeKeys encodes ChangeKey as three big-endian integers.
type ChangeKeys struct{}

func (ChangeKeys) NewKey() ChangeKey {
	return ChangeKey{}
}

func (ChangeKeys) FixedKeyLength() int {
	return changeKeyLength
}

func (ChangeKeys) EncodeKey(key ChangeKey) ([]byte, error) {
	b := make([]byte, changeKeyLength)
	binary.BigEndian.PutUint32(b[0:], uint32(key.ChangeID))
	binary.BigEndian.PutUint32(b[4:], uint32(key.LogIndex))
	binary.BigEndian.PutUint64(b[8:], uint64(key.LogPosition))
	return b, nil
}

func (ChangeKeys) DecodeKey(b []byte, key *ChangeKey) error {
	if len(b) != changeKeyLength {
		return errors.Errorf("change key: expected %d bytes, got %d", changeKeyLength, len(b))
	}

	key.ChangeID = int32(binary.BigEndian.Uint32(b[0:]))
	key.LogIndex = int32(binary.BigEndian.Uint32(b[4:]))
	key.LogPosition = int64(binary.BigEndian.Uint64(b[8:]))
	return nil
}

// Uint64Keys encodes uint64 keys big-endian so byte order matches numeric order.
type Uint64Keys struct{}

func (Uint64Keys) NewKey() uint64 {
	return 0
}

func (Uint64Keys) FixedKeyLength() int {
	return 8
}

func (Uint64Keys) EncodeKey(key uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, key), nil
}

func (Uint64Keys) DecodeKey(b []byte, key *uint64) error {
	if len(b) != 8 {
		return errors.Errorf("uint64 key: expected 8 bytes, got %d", len(b))
	}
	*key = binary.BigEndian.Uint64(b)
	return nil
}

// CompareUint64 orders uint64 keys.
func CompareUint64(a, b uint64) int {
	return cmp.Compare(a, b)
}
