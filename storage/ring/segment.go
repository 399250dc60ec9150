package ring

import (
	"bytes"
	"encoding/binary"
	"os"
	"ringstore/internal/mmap"
	"ringstore/storage"
	"ringstore/storage/index"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const initialPosition = storage.SegmentHeaderSize

// Recovery sources, also used as metric label values.
const (
	recoveredNew    = "created"
	recoveredIndex  = "index"
	recoveredScan   = "scan"
	recoveredRepair = "repair"
)

type segmentOptions struct {
	dir    string
	prefix string
	size   int
	index  index.FileOptions
}

// Segment is one slot of the ring: a fixed-size mapped file of records and
// the index file that lists them.
type Segment[K any] struct {
	id      uint16
	dir     string
	logger  log.Logger
	keys    index.Keys[K]
	compare storage.Compare[K]
	keyLen  int
	mapping *mmap.Mapping
	index   *index.File[K]
	existed bool
	indexed bool
	cursor  uint32
	last    *storage.IndexEntry[K]
	// unindexed is true when every record was found past an empty index.
	unindexed bool
	// damaged is set by readers that found an unreadable index entry.
	damaged atomic.Bool
}

func openSegment[K any](logger log.Logger, opts segmentOptions, keys index.Keys[K], compare storage.Compare[K], id uint16, gens []uint64) (*Segment[K], error) {
	path := storage.SegmentName(opts.dir, opts.prefix, id)

	_, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat segment %s", path)
	}
	existed := err == nil

	m, err := mmap.OpenFile(path, opts.size, mmap.FlagLock)
	switch {
	case errors.Is(err, mmap.ErrLocked):
		return nil, errors.Wrapf(storage.ErrConcurrentAccess, "segment %s", path)
	case errors.Is(err, mmap.ErrTooLarge):
		return nil, errors.Wrapf(storage.ErrConfiguration, "segment %s is larger than %d bytes", path, opts.size)
	case err != nil:
		return nil, errors.Wrapf(err, "open segment %s", path)
	}

	s := &Segment[K]{
		id:      id,
		dir:     opts.dir,
		logger:  logger,
		keys:    keys,
		compare: compare,
		keyLen:  keys.FixedKeyLength(),
		mapping: m,
		existed: existed,
	}

	generation := index.LastGeneration(gens)
	if generation > 0 {
		s.index, err = index.OpenFile(opts.index, keys, id, generation)
		if errors.Is(err, storage.ErrCorruptIndex) {
			level.Warn(logger).Log("msg", "discarding index file", "segment", id, "generation", generation, "err", err)
			err = nil
		}
		if err != nil {
			m.Close()
			return nil, err
		}
	}

	if s.index != nil {
		s.indexed = true
	} else if s.index, err = index.CreateFile(opts.index, keys, id, generation+1); err != nil {
		m.Close()
		return nil, err
	}

	if err := index.RemoveGenerations(opts.index, id, gens, s.index.Generation()); err != nil {
		s.close()
		return nil, err
	}

	return s, nil
}

func (s *Segment[K]) setCursor(pos uint32) {
	s.cursor = pos
	binary.BigEndian.PutUint32(s.mapping.Bytes(), pos)
}

func (s *Segment[K]) storedCursor() uint32 {
	pos := binary.BigEndian.Uint32(s.mapping.Bytes())

	switch {
	case pos < initialPosition:
		return initialPosition
	case int64(pos) > int64(s.mapping.Size()):
		return uint32(s.mapping.Size())
	}

	return pos
}

// live returns the segment bytes up to the write position.
func (s *Segment[K]) live() []byte {
	return s.mapping.Bytes()[:s.cursor]
}

func (s *Segment[K]) count() uint32 {
	return s.index.Count()
}

// reserve claims room for a record and persists the advanced write position
// before the record itself is written. ok is false when the segment is full.
func (s *Segment[K]) reserve(keyLen, valueLen int) (offset uint32, ok bool) {
	size := uint64(storage.RecordSize(keyLen, valueLen))
	if uint64(s.cursor)+size > uint64(s.mapping.Size()) {
		return 0, false
	}

	offset = s.cursor
	s.setCursor(s.cursor + uint32(size))

	return offset, true
}

// writeAt stores a reserved record and indexes it. prev is the entry that was
// last in this segment before, nil for the first record.
func (s *Segment[K]) writeAt(offset uint32, key K, keyBytes, valueBytes []byte) (entry storage.IndexEntry[K], prev *storage.IndexEntry[K], err error) {
	storage.EncodeRecord(s.mapping.Bytes()[offset:], keyBytes, valueBytes)
	return s.indexRecord(key, keyBytes, offset)
}

func (s *Segment[K]) indexRecord(key K, keyBytes []byte, offset uint32) (storage.IndexEntry[K], *storage.IndexEntry[K], error) {
	loc := storage.Locator{Segment: s.id, Position: offset}

	ordinal, err := s.index.Append(keyBytes, loc)
	if err != nil {
		return storage.IndexEntry[K]{}, nil, errors.Wrapf(err, "segment %d", s.id)
	}

	entry := storage.IndexEntry[K]{Key: key, Locator: loc, Ordinal: ordinal}
	prev := s.last
	s.last = &entry

	return entry, prev, nil
}

// reset recycles the segment. The new index generation exists before the
// write position is rewound.
func (s *Segment[K]) reset() error {
	if err := s.index.Renew(); err != nil {
		return errors.Wrapf(err, "reset segment %d", s.id)
	}

	s.setCursor(initialPosition)
	s.last = nil

	return nil
}

// rewind drops the record at ordinal and everything after it.
func (s *Segment[K]) rewind(ordinal uint32) (dropped uint32, err error) {
	count := s.count()

	entry, err := s.index.ReadEntry(ordinal)
	if err != nil {
		return 0, err
	}

	var last *storage.IndexEntry[K]
	if ordinal > 1 {
		prev, err := s.index.ReadEntry(ordinal - 1)
		if err != nil {
			return 0, err
		}
		last = &prev
	}

	// Index first: a crash in between leaves records the tail scan re-indexes.
	s.index.Truncate(ordinal - 1)
	s.setCursor(entry.Locator.Position)
	s.last = last

	return count - ordinal + 1, nil
}

// read returns the record at pos after verifying its checksum.
func (s *Segment[K]) read(pos uint32) (storage.RawRecord, error) {
	if pos < initialPosition || pos >= s.cursor {
		return storage.RawRecord{}, errors.Wrapf(storage.ErrCorruptIndex, "segment %d: position %d outside written data", s.id, pos)
	}

	rec, err := storage.DecodeRecord(s.live()[pos:])
	if err != nil {
		return rec, s.corruption(pos, err)
	}
	if !rec.Valid() {
		return rec, s.corruption(pos, storage.ErrChecksum)
	}

	return rec, nil
}

func (s *Segment[K]) corruption(pos uint32, err error) error {
	return &wlog.CorruptionErr{
		Dir:     s.dir,
		Segment: int(s.id),
		Offset:  int64(pos),
		Err:     err,
	}
}

// recover restores the write position and rebuilds both index tiers for the
// segment. It returns where the index came from.
func (s *Segment[K]) recover(sparse *index.Sparse[K]) (string, error) {
	if !s.existed {
		if s.count() > 0 {
			if err := s.index.Renew(); err != nil {
				return "", err
			}
		}
		s.setCursor(initialPosition)
		return recoveredNew, nil
	}

	s.cursor = s.storedCursor()

	source, from := recoveredScan, uint32(initialPosition)

	if s.indexed {
		end, err := s.hydrate(sparse)
		if err == nil {
			source, from = recoveredIndex, end
		} else {
			level.Warn(s.logger).Log("msg", "rebuilding index from segment data", "segment", s.id, "err", err)
			return source, s.rebuild(sparse)
		}
	}

	if err := s.scan(sparse, from); err != nil {
		return "", err
	}
	s.unindexed = source == recoveredIndex && from == initialPosition && s.count() > 0

	return source, nil
}

// rebuild discards the segment's index and indexes its data from the start.
func (s *Segment[K]) rebuild(sparse *index.Sparse[K]) error {
	sparse.PurgeSegment(s.id)
	s.last = nil

	if err := s.index.Renew(); err != nil {
		return err
	}
	s.damaged.Store(false)

	return s.scan(sparse, initialPosition)
}

func (s *Segment[K]) advise(pattern mmap.AccessPattern) {
	if err := s.mapping.Advise(pattern); err != nil {
		level.Debug(s.logger).Log("msg", "madvise failed", "segment", s.id, "err", err)
	}
}

// hydrate loads the sparse samples from the index file after checking that
// its last entry agrees with the segment data. It returns the end of the last
// indexed record.
func (s *Segment[K]) hydrate(sparse *index.Sparse[K]) (uint32, error) {
	last, ok, err := s.index.MaxEntry()
	if err != nil {
		return 0, err
	}
	if !ok {
		return initialPosition, nil
	}

	pos := last.Locator.Position
	if pos < initialPosition || pos >= s.cursor {
		return 0, errors.Wrapf(storage.ErrCorruptIndex, "segment %d: last entry at %d, write position %d", s.id, pos, s.cursor)
	}

	rec, err := storage.DecodeRecord(s.live()[pos:])
	if err != nil {
		return 0, errors.Wrapf(storage.ErrCorruptIndex, "segment %d: last entry at %d: %v", s.id, pos, err)
	}
	if !rec.Valid() {
		return 0, errors.Wrapf(storage.ErrCorruptIndex, "segment %d: last entry at %d fails its checksum", s.id, pos)
	}

	raw, _, err := s.index.RawEntry(last.Ordinal)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(raw, rec.Key) {
		return 0, errors.Wrapf(storage.ErrCorruptIndex, "segment %d: last entry key differs from record at %d", s.id, pos)
	}

	if err := sparse.Load(s.index); err != nil {
		return 0, err
	}

	s.last = &last

	return pos + uint32(rec.Size), nil
}

// scan indexes every record from position from to the write position. A torn
// tail, or a record whose key does not follow the segment's last key, moves
// the write position back to the end of the last whole record.
func (s *Segment[K]) scan(sparse *index.Sparse[K], from uint32) error {
	if from < s.cursor {
		s.advise(mmap.AccessSequential)
		defer s.advise(mmap.AccessRandom)
	}

	r := NewReader(s.live(), from, s.keyLen)
	end := from
	scanned := 0

	for r.Next() {
		rec := r.Record()

		key := s.keys.NewKey()
		if err := s.keys.DecodeKey(rec.Key, &key); err != nil {
			level.Warn(s.logger).Log("msg", "undecodable key", "segment", s.id, "offset", r.Position(), "err", err)
			break
		}

		// A reserved record that was never written exposes what the slot
		// held before it was recycled: an older, still valid record.
		if s.last != nil && s.compare(key, s.last.Key) <= 0 {
			level.Warn(s.logger).Log("msg", "dropping record left from a previous cycle", "segment", s.id, "offset", r.Position())
			break
		}

		entry, prev, err := s.indexRecord(key, rec.Key, r.Position())
		if err != nil {
			return err
		}
		sparse.Append(entry, prev)

		end = r.Offset()
		scanned++
	}

	if err := r.Err(); err != nil {
		level.Warn(s.logger).Log("msg", "dropping incomplete record", "segment", s.id, "offset", end, "err", err)
	}

	if end != s.cursor {
		s.setCursor(end)
	}

	if scanned > 0 {
		level.Debug(s.logger).Log("msg", "indexed segment records", "segment", s.id, "from", from, "records", scanned)
	}

	return nil
}

// entries reads the index entries of ordinals sample.Ordinal..hi from the
// segment data, starting at sample's record.
func (s *Segment[K]) entries(sample storage.IndexEntry[K], hi uint32) ([]storage.IndexEntry[K], error) {
	r := NewReader(s.live(), sample.Locator.Position, s.keyLen)
	entries := make([]storage.IndexEntry[K], 0, hi-sample.Ordinal+1)

	for ordinal := sample.Ordinal; ordinal <= hi && r.Next(); ordinal++ {
		key := s.keys.NewKey()
		if err := s.keys.DecodeKey(r.Record().Key, &key); err != nil {
			return nil, s.corruption(r.Position(), storage.Encoding("decode key", err))
		}

		entries = append(entries, storage.IndexEntry[K]{
			Key:     key,
			Locator: storage.Locator{Segment: s.id, Position: r.Position()},
			Ordinal: ordinal,
		})
	}

	if err := r.Err(); err != nil {
		return nil, s.corruption(r.Offset(), err)
	}

	return entries, nil
}

// verify checks the checksum of every record.
func (s *Segment[K]) verify() error {
	r := NewReader(s.live(), initialPosition, s.keyLen)

	for r.Next() {
		if !r.Record().Valid() {
			return s.corruption(r.Position(), storage.ErrChecksum)
		}
	}

	if err := r.Err(); err != nil {
		return s.corruption(r.Offset(), err)
	}

	return nil
}

func (s *Segment[K]) sync() error {
	if err := s.mapping.Sync(); err != nil {
		return errors.Wrapf(err, "sync segment %d", s.id)
	}
	return s.index.Sync()
}

func (s *Segment[K]) close() error {
	indexErr := s.index.Close()
	if err := s.mapping.Close(); err != nil {
		return err
	}
	return indexErr
}
