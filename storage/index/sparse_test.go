package index

import (
	"ringstore/storage"
	"ringstore/storage/codec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordinals(entries []storage.IndexEntry[uint64]) []uint32 {
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Ordinal)
	}
	return out
}

// appendLive mirrors what the ring does on every put.
func appendLive(t *testing.T, s *Sparse[uint64], f *File[uint64], keys ...uint64) {
	t.Helper()

	for _, k := range keys {
		prev, hasPrev, err := f.MaxEntry()
		require.NoError(t, err)

		appendKeys(t, f, k)

		entry, _, err := f.MaxEntry()
		require.NoError(t, err)

		if hasPrev {
			s.Append(entry, &prev)
		} else {
			s.Append(entry, nil)
		}
	}
}

func TestSparseLoadSampling(t *testing.T) {
	f, err := CreateFile[uint64](testOptions(t), codec.Uint64Keys{}, 0, 1)
	require.NoError(t, err)
	defer f.Close()

	s := NewSparse[uint64](codec.CompareUint64, 3)
	require.NoError(t, s.Load(f))
	assert.Zero(t, s.Len())

	appendKeys(t, f, 1)
	require.NoError(t, s.Load(f))
	assert.Equal(t, []uint32{1}, ordinals(s.Entries()))

	appendKeys(t, f, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	s.Clear()
	require.NoError(t, s.Load(f))
	assert.Equal(t, []uint32{1, 3, 6, 9, 10}, ordinals(s.Entries()))

	appendKeys(t, f, 11, 12)
	s.Clear()
	require.NoError(t, s.Load(f))
	assert.Equal(t, []uint32{1, 3, 6, 9, 12}, ordinals(s.Entries()))
}

func TestSparseLiveAppendMatchesLoad(t *testing.T) {
	for _, total := range []uint64{1, 2, 3, 7, 9, 10, 31} {
		f, err := CreateFile[uint64](testOptions(t), codec.Uint64Keys{}, 4, 1)
		require.NoError(t, err)

		live := NewSparse[uint64](codec.CompareUint64, 3)
		for k := uint64(1); k <= total; k++ {
			appendLive(t, live, f, k*2)
		}

		loaded := NewSparse[uint64](codec.CompareUint64, 3)
		require.NoError(t, loaded.Load(f))

		assert.Equal(t, loaded.Entries(), live.Entries(), "total %d", total)
		require.NoError(t, f.Close())
	}
}

func TestSparseNavigation(t *testing.T) {
	s := NewSparse[uint64](codec.CompareUint64, 300)

	_, ok := s.Min()
	assert.False(t, ok)
	_, ok = s.Max()
	assert.False(t, ok)

	for i, k := range []uint64{10, 20, 30} {
		s.Append(storage.IndexEntry[uint64]{Key: k, Ordinal: uint32(i + 1)}, nil)
	}

	min, _ := s.Min()
	max, _ := s.Max()
	assert.Equal(t, uint64(10), min.Key)
	assert.Equal(t, uint64(30), max.Key)

	e, ok := s.Floor(20)
	require.True(t, ok)
	assert.Equal(t, uint64(20), e.Key)
	e, ok = s.Floor(25)
	require.True(t, ok)
	assert.Equal(t, uint64(20), e.Key)
	_, ok = s.Floor(5)
	assert.False(t, ok)

	e, ok = s.Below(20)
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Key)
	_, ok = s.Below(10)
	assert.False(t, ok)

	e, ok = s.Above(20)
	require.True(t, ok)
	assert.Equal(t, uint64(30), e.Key)
	e, ok = s.Above(0)
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Key)
	_, ok = s.Above(30)
	assert.False(t, ok)
}

func TestSparsePurgeAndTruncate(t *testing.T) {
	s := NewSparse[uint64](codec.CompareUint64, 2)

	for seg := uint16(0); seg < 3; seg++ {
		for o := uint32(1); o <= 4; o++ {
			s.Append(storage.IndexEntry[uint64]{
				Key:     uint64(seg)*100 + uint64(o),
				Locator: storage.Locator{Segment: seg},
				Ordinal: o,
			}, nil)
		}
	}
	require.Equal(t, 12, s.Len())

	s.PurgeSegment(0)
	assert.Equal(t, 8, s.Len())
	assert.Empty(t, s.SegmentEntries(0))

	s.TruncateSegment(2, 3)
	assert.Equal(t, []uint32{1, 2}, ordinals(s.SegmentEntries(2)))
	assert.Len(t, s.SegmentEntries(1), 4)

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestSparseConcurrentReaders(t *testing.T) {
	s := NewSparse[uint64](codec.CompareUint64, 4)

	var wg sync.WaitGroup
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				if min, ok := s.Min(); ok {
					max, _ := s.Max()
					assert.LessOrEqual(t, min.Key, max.Key)
				}
				s.Floor(500)
			}
		}()
	}

	var prev *storage.IndexEntry[uint64]
	for o := uint32(1); o <= 1000; o++ {
		entry := storage.IndexEntry[uint64]{Key: uint64(o), Ordinal: o}
		s.Append(entry, prev)
		prev = &entry
	}

	close(done)
	wg.Wait()

	// 1, every 4th and the last.
	assert.Equal(t, 1+250, s.Len())
}
