package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSize(t *testing.T) {
	assert.Equal(t, 1025, RecordSize(16, 1000))
	assert.Equal(t, RecordOverhead, RecordSize(0, 0))
}

func TestEncodeDecodeRecord(t *testing.T) {
	key := []byte("0123456789abcdef")
	value := bytes.Repeat([]byte("A"), 1000)

	buf := make([]byte, RecordSize(len(key), len(value)))
	n := EncodeRecord(buf, key, value)
	require.Equal(t, len(buf), n)

	rec, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, value, rec.Value)
	assert.Equal(t, n, rec.Size)
	assert.True(t, rec.Valid())
}

func TestDecodeRecordShort(t *testing.T) {
	key := []byte("k")
	value := []byte("some value")

	buf := make([]byte, RecordSize(len(key), len(value)))
	EncodeRecord(buf, key, value)

	for _, n := range []int{0, 1, RecordOverhead, len(buf) - 1} {
		_, err := DecodeRecord(buf[:n])
		assert.ErrorIs(t, err, ErrShortRecord, "length %d", n)
	}
}

func TestRecordChecksumDetectsFlippedValueByte(t *testing.T) {
	key := []byte("key")
	value := []byte("the quick brown fox")

	buf := make([]byte, RecordSize(len(key), len(value)))
	EncodeRecord(buf, key, value)

	valueStart := 1 + len(key) + 4
	for i := valueStart; i < valueStart+len(value); i++ {
		corrupt := append([]byte{}, buf...)
		corrupt[i] ^= 0xFF

		rec, err := DecodeRecord(corrupt)
		require.NoError(t, err)
		assert.False(t, rec.Valid(), "flipped byte at %d", i)
	}
}

func TestIndexEntryLayout(t *testing.T) {
	key := []byte("0123456789abcdef")
	buf := make([]byte, IndexEntrySize(len(key)))
	require.Len(t, buf, 26)

	EncodeIndex(key, Locator{Segment: 7, Position: 1029}, 42, buf)

	gotKey, loc, ordinal := DecodeIndex(buf, len(key))
	assert.Equal(t, key, gotKey)
	assert.Equal(t, Locator{Segment: 7, Position: 1029}, loc)
	assert.Equal(t, uint32(42), ordinal)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "data/ring-3", SegmentName("data", "ring-", 3))
	assert.Equal(t, "data/ring-index-3.12", IndexName("data", "ring-", 3, 12))

	segment, generation, ok := ParseIndexName("ring-", "ring-index-3.12")
	require.True(t, ok)
	assert.Equal(t, uint16(3), segment)
	assert.Equal(t, uint64(12), generation)

	for _, name := range []string{"ring-3", "ring-index-3", "ring-index-x.1", "other-index-3.1", "ring-index-3.x"} {
		_, _, ok := ParseIndexName("ring-", name)
		assert.False(t, ok, name)
	}
}

func TestEncodingError(t *testing.T) {
	assert.NoError(t, Encoding("encode key", nil))

	cause := assert.AnError
	err := Encoding("encode key", cause)
	assert.ErrorIs(t, err, ErrEncoding)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "encode key")
}
