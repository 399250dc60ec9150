package ring

import (
	"ringstore/storage"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSegment lays out records after a segment header and returns the bytes
// up to the write position.
func buildSegment(records ...[2][]byte) []byte {
	size := storage.SegmentHeaderSize
	for _, r := range records {
		size += storage.RecordSize(len(r[0]), len(r[1]))
	}

	data := make([]byte, size)
	pos := storage.SegmentHeaderSize
	for _, r := range records {
		pos += storage.EncodeRecord(data[pos:], r[0], r[1])
	}
	return data
}

func TestReaderRecords(t *testing.T) {
	data := buildSegment(
		[2][]byte{[]byte("aaaa"), []byte("first")},
		[2][]byte{[]byte("bbbb"), []byte("")},
		[2][]byte{[]byte("cccc"), []byte("third value")},
	)

	r := NewReader(data, storage.SegmentHeaderSize, 4)

	var keys []string
	var positions []uint32
	for r.Next() {
		keys = append(keys, string(r.Record().Key))
		positions = append(positions, r.Position())
		assert.True(t, r.Record().Valid())
	}

	require.NoError(t, r.Err())
	assert.Equal(t, []string{"aaaa", "bbbb", "cccc"}, keys)
	assert.Equal(t, []uint32{4, 4 + 18, 4 + 18 + 13}, positions)
	assert.Equal(t, uint32(len(data)), r.Offset())
}

func TestReaderTornTail(t *testing.T) {
	data := buildSegment(
		[2][]byte{[]byte("aaaa"), []byte("first")},
		[2][]byte{[]byte("bbbb"), []byte("second")},
	)

	r := NewReader(data[:len(data)-3], storage.SegmentHeaderSize, 4)

	require.True(t, r.Next())
	require.False(t, r.Next())
	assert.ErrorIs(t, r.Err(), storage.ErrShortRecord)
	assert.Equal(t, uint32(4+storage.RecordSize(4, 5)), r.Offset())
}

func TestReaderKeyLength(t *testing.T) {
	data := buildSegment(
		[2][]byte{[]byte("aaaa"), []byte("first")},
		[2][]byte{[]byte("bbbbbb"), []byte("second")},
	)

	r := NewReader(data, storage.SegmentHeaderSize, 4)

	require.True(t, r.Next())
	require.False(t, r.Next())
	require.Error(t, r.Err())
	assert.Equal(t, uint32(4+storage.RecordSize(4, 5)), r.Offset())
}

func TestReaderChecksum(t *testing.T) {
	data := buildSegment(
		[2][]byte{[]byte("aaaa"), []byte("first")},
		[2][]byte{[]byte("bbbb"), []byte("second")},
	)

	// A damaged record followed by a whole one is returned to the caller.
	data[4+1+4+4] ^= 0xff
	r := NewReader(data, storage.SegmentHeaderSize, 4)

	require.True(t, r.Next())
	assert.False(t, r.Record().Valid())
	require.True(t, r.Next())
	require.False(t, r.Next())
	require.NoError(t, r.Err())

	// A damaged final record ends the segment.
	data[4+1+4+4] ^= 0xff
	data[len(data)-5] ^= 0xff
	r = NewReader(data, storage.SegmentHeaderSize, 4)

	require.True(t, r.Next())
	require.False(t, r.Next())
	assert.True(t, errors.Is(r.Err(), storage.ErrChecksum))
	assert.Equal(t, uint32(4+storage.RecordSize(4, 5)), r.Offset())
}
