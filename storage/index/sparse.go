package index

import (
	"ringstore/storage"
	"sync"

	"github.com/google/btree"
)

const DefaultSliceSize = 300

// Sparse is the store-wide ordered sample of all segment index files. It is
// safe for concurrent readers while one writer mutates it.
type Sparse[K any] struct {
	mu        sync.RWMutex
	tree      *btree.BTreeG[storage.IndexEntry[K]]
	compare   storage.Compare[K]
	sliceSize uint32
}

func NewSparse[K any](compare storage.Compare[K], sliceSize int) *Sparse[K] {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}

	return &Sparse[K]{
		tree: btree.NewG(32, func(a, b storage.IndexEntry[K]) bool {
			return compare(a.Key, b.Key) < 0
		}),
		compare:   compare,
		sliceSize: uint32(sliceSize),
	}
}

// SliceSize returns the sampling interval K.
func (s *Sparse[K]) SliceSize() uint32 {
	return s.sliceSize
}

// Sampled reports whether ordinal stays resident once it is no longer the
// last entry of its segment.
func (s *Sparse[K]) Sampled(ordinal uint32) bool {
	return ordinal == 1 || ordinal%s.sliceSize == 0
}

func (s *Sparse[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tree.Len()
}

// Min returns the entry with the smallest key.
func (s *Sparse[K]) Min() (storage.IndexEntry[K], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tree.Min()
}

// Max returns the entry with the largest key.
func (s *Sparse[K]) Max() (storage.IndexEntry[K], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tree.Max()
}

// Floor returns the sample with the greatest key <= key.
func (s *Sparse[K]) Floor(key K) (entry storage.IndexEntry[K], ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.tree.DescendLessOrEqual(storage.IndexEntry[K]{Key: key}, func(item storage.IndexEntry[K]) bool {
		entry, ok = item, true
		return false
	})

	return entry, ok
}

// Below returns the sample with the greatest key < key.
func (s *Sparse[K]) Below(key K) (entry storage.IndexEntry[K], ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.tree.DescendLessOrEqual(storage.IndexEntry[K]{Key: key}, func(item storage.IndexEntry[K]) bool {
		if s.compare(item.Key, key) == 0 {
			return true
		}
		entry, ok = item, true
		return false
	})

	return entry, ok
}

// Above returns the sample with the smallest key > key.
func (s *Sparse[K]) Above(key K) (entry storage.IndexEntry[K], ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.tree.AscendGreaterOrEqual(storage.IndexEntry[K]{Key: key}, func(item storage.IndexEntry[K]) bool {
		if s.compare(item.Key, key) == 0 {
			return true
		}
		entry, ok = item, true
		return false
	})

	return entry, ok
}

// Append records the entry just appended to a segment. prev is the entry it
// follows in the same segment, if any; it is dropped unless it is a sample.
func (s *Sparse[K]) Append(entry storage.IndexEntry[K], prev *storage.IndexEntry[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev != nil && !s.Sampled(prev.Ordinal) {
		s.tree.Delete(*prev)
	}

	s.tree.ReplaceOrInsert(entry)
}

// Load samples a segment's index file: ordinal 1 when there is more than one
// entry, every K-th ordinal and the last ordinal.
func (s *Sparse[K]) Load(f *File[K]) error {
	total := f.Count()
	if total == 0 {
		return nil
	}

	ordinals := make([]uint32, 0, total/s.sliceSize+2)
	for n := s.sliceSize; n < total; n += s.sliceSize {
		ordinals = append(ordinals, n)
	}
	if total > 1 {
		ordinals = append(ordinals, 1)
	}
	ordinals = append(ordinals, total)

	entries := make([]storage.IndexEntry[K], 0, len(ordinals))
	for _, ordinal := range ordinals {
		entry, err := f.ReadEntry(ordinal)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		s.tree.ReplaceOrInsert(entry)
	}

	return nil
}

// PurgeSegment drops every sample that points into segment.
func (s *Sparse[K]) PurgeSegment(segment uint16) {
	s.TruncateSegment(segment, 1)
}

// TruncateSegment drops the samples of segment with ordinal >= from.
func (s *Sparse[K]) TruncateSegment(segment uint16, from uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []storage.IndexEntry[K]
	s.tree.Ascend(func(item storage.IndexEntry[K]) bool {
		if item.Locator.Segment == segment && item.Ordinal >= from {
			stale = append(stale, item)
		}
		return true
	})

	for _, item := range stale {
		s.tree.Delete(item)
	}
}

// Clear drops every sample.
func (s *Sparse[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Clear(false)
}

// Entries returns a copy of all samples in key order.
func (s *Sparse[K]) Entries() []storage.IndexEntry[K] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]storage.IndexEntry[K], 0, s.tree.Len())
	s.tree.Ascend(func(item storage.IndexEntry[K]) bool {
		entries = append(entries, item)
		return true
	})

	return entries
}

// SegmentEntries returns the samples of one segment in key order.
func (s *Sparse[K]) SegmentEntries(segment uint16) []storage.IndexEntry[K] {
	var entries []storage.IndexEntry[K]
	for _, e := range s.Entries() {
		if e.Locator.Segment == segment {
			entries = append(entries, e)
		}
	}
	return entries
}
