package index

import (
	"encoding/binary"
	"os"
	"ringstore/internal/mmap"
	"ringstore/storage"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrIndexFull         = errors.New("index file full")
	ErrOrdinalOutOfRange = errors.New("ordinal out of range")
)

// Keys is the part of a storage.Codec the index needs.
type Keys[K any] interface {
	NewKey() K
	FixedKeyLength() int
	DecodeKey(b []byte, key *K) error
}

// FileOptions locate and size the index files of one store.
type FileOptions struct {
	Dir    string
	Prefix string
	// Capacity is the number of entries a file can hold.
	Capacity uint32
}

// FileSize returns the byte size of an index file holding capacity entries.
func FileSize(keyLen int, capacity uint32) int {
	return storage.IndexHeaderSize + int(capacity)*storage.IndexEntrySize(keyLen)
}

// File is the complete on-disk index of one segment.
type File[K any] struct {
	opts       FileOptions
	keys       Keys[K]
	segment    uint16
	generation uint64
	keyLen     int
	entrySize  int
	mapping    *mmap.Mapping
}

func newFile[K any](opts FileOptions, keys Keys[K], segment uint16) *File[K] {
	return &File[K]{
		opts:      opts,
		keys:      keys,
		segment:   segment,
		keyLen:    keys.FixedKeyLength(),
		entrySize: storage.IndexEntrySize(keys.FixedKeyLength()),
	}
}

// OpenFile maps an existing generation of the segment's index file. A file
// whose size or count does not fit the configuration is reported as
// storage.ErrCorruptIndex.
func OpenFile[K any](opts FileOptions, keys Keys[K], segment uint16, generation uint64) (*File[K], error) {
	f := newFile(opts, keys, segment)
	path := storage.IndexName(opts.Dir, opts.Prefix, segment, generation)

	m, err := mmap.OpenFile(path, FileSize(f.keyLen, opts.Capacity), 0)
	if errors.Is(err, mmap.ErrTooLarge) {
		return nil, errors.Wrapf(storage.ErrCorruptIndex, "%s: size does not match configuration", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", path)
	}

	f.mapping = m
	f.generation = generation

	if count := f.Count(); count > opts.Capacity {
		m.Close()
		return nil, errors.Wrapf(storage.ErrCorruptIndex, "%s: count %d exceeds capacity %d", path, count, opts.Capacity)
	}

	return f, nil
}

// CreateFile starts an empty index file at the given generation.
func CreateFile[K any](opts FileOptions, keys Keys[K], segment uint16, generation uint64) (*File[K], error) {
	f := newFile(opts, keys, segment)

	if err := f.create(generation); err != nil {
		return nil, err
	}

	return f, nil
}

// RemoveGenerations deletes every listed generation of the segment except keep.
func RemoveGenerations(opts FileOptions, segment uint16, gens []uint64, keep uint64) error {
	for _, g := range gens {
		if g == keep {
			continue
		}

		err := os.Remove(storage.IndexName(opts.Dir, opts.Prefix, segment, g))
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove index generation %d of segment %d", g, segment)
		}
	}

	return nil
}

func (f *File[K]) create(generation uint64) error {
	path := storage.IndexName(f.opts.Dir, f.opts.Prefix, f.segment, generation)

	m, err := mmap.OpenFile(path, FileSize(f.keyLen, f.opts.Capacity), 0)
	if errors.Is(err, mmap.ErrTooLarge) {
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "replace index %s", path)
		}
		m, err = mmap.OpenFile(path, FileSize(f.keyLen, f.opts.Capacity), 0)
	}
	if err != nil {
		return errors.Wrapf(err, "create index %s", path)
	}

	binary.BigEndian.PutUint32(m.Bytes(), 0)

	f.mapping = m
	f.generation = generation

	return nil
}

// Renew switches to a fresh, empty generation and removes the previous file.
func (f *File[K]) Renew() error {
	prev := f.mapping

	if err := f.create(f.generation + 1); err != nil {
		return err
	}

	if prev != nil {
		if err := prev.Close(); err != nil {
			return errors.Wrapf(err, "close index %s", prev.Path())
		}
		if err := os.Remove(prev.Path()); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove index %s", prev.Path())
		}
	}

	return nil
}

func (f *File[K]) Segment() uint16 {
	return f.segment
}

func (f *File[K]) Generation() uint64 {
	return f.generation
}

func (f *File[K]) Path() string {
	return f.mapping.Path()
}

// Count returns the number of entries in the file.
func (f *File[K]) Count() uint32 {
	return binary.BigEndian.Uint32(f.mapping.Bytes())
}

// Append stores the entry for a record just written to the segment and
// returns its ordinal.
func (f *File[K]) Append(key []byte, loc storage.Locator) (uint32, error) {
	if len(key) != f.keyLen {
		return 0, errors.Errorf("index key length %d, expected %d", len(key), f.keyLen)
	}

	count := f.Count()
	if count >= f.opts.Capacity {
		return 0, ErrIndexFull
	}

	ordinal := count + 1
	data := f.mapping.Bytes()
	storage.EncodeIndex(key, loc, ordinal, data[f.offset(ordinal):])

	// The entry is complete before the count makes it visible.
	binary.BigEndian.PutUint32(data, ordinal)

	return ordinal, nil
}

// Truncate drops every entry after count.
func (f *File[K]) Truncate(count uint32) {
	if count < f.Count() {
		binary.BigEndian.PutUint32(f.mapping.Bytes(), count)
	}
}

func (f *File[K]) offset(ordinal uint32) int {
	return storage.IndexHeaderSize + int(ordinal-1)*f.entrySize
}

// RawEntry returns the encoded key and locator at ordinal without decoding
// the key. The key aliases the mapping.
func (f *File[K]) RawEntry(ordinal uint32) ([]byte, storage.Locator, error) {
	if ordinal < 1 || ordinal > f.Count() {
		return nil, storage.Locator{}, errors.Wrapf(ErrOrdinalOutOfRange, "segment %d ordinal %d of %d", f.segment, ordinal, f.Count())
	}

	key, loc, stored := storage.DecodeIndex(f.mapping.Bytes()[f.offset(ordinal):], f.keyLen)

	if stored != ordinal || loc.Segment != f.segment {
		return nil, storage.Locator{}, errors.Wrapf(storage.ErrCorruptIndex,
			"%s: entry %d claims ordinal %d of segment %d", f.Path(), ordinal, stored, loc.Segment)
	}

	return key, loc, nil
}

// ReadEntry decodes the entry at the 1-based ordinal.
func (f *File[K]) ReadEntry(ordinal uint32) (storage.IndexEntry[K], error) {
	raw, loc, err := f.RawEntry(ordinal)
	if err != nil {
		return storage.IndexEntry[K]{}, err
	}

	key := f.keys.NewKey()
	if err := f.keys.DecodeKey(raw, &key); err != nil {
		return storage.IndexEntry[K]{}, errors.Wrapf(storage.ErrCorruptIndex, "%s: entry %d: %v", f.Path(), ordinal, err)
	}

	return storage.IndexEntry[K]{Key: key, Locator: loc, Ordinal: ordinal}, nil
}

// MaxEntry returns the last entry; ok is false for an empty file.
func (f *File[K]) MaxEntry() (entry storage.IndexEntry[K], ok bool, err error) {
	count := f.Count()
	if count == 0 {
		return entry, false, nil
	}

	entry, err = f.ReadEntry(count)
	return entry, err == nil, err
}

// Search returns the smallest ordinal in [lo, hi] whose entry satisfies
// pred, or hi+1 if none does. pred must be false up to some ordinal and true
// from there on.
func (f *File[K]) Search(lo, hi uint32, pred func(storage.IndexEntry[K]) bool) (uint32, error) {
	if lo > hi {
		return hi + 1, nil
	}

	var searchErr error
	i := sort.Search(int(hi-lo+1), func(i int) bool {
		if searchErr != nil {
			return true
		}

		entry, err := f.ReadEntry(lo + uint32(i))
		if err != nil {
			searchErr = err
			return true
		}

		return pred(entry)
	})

	if searchErr != nil {
		return 0, searchErr
	}

	return lo + uint32(i), nil
}

func (f *File[K]) Sync() error {
	return f.mapping.Sync()
}

func (f *File[K]) Close() error {
	return f.mapping.Close()
}
