package ring

import (
	"os"
	"ringstore/config"
	"ringstore/storage"
	"ringstore/storage/index"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Ring is an append-only store over a fixed ring of memory-mapped segments.
// Writes must come from a single goroutine; reads may run concurrently.
type Ring[K, V any] struct {
	logger  log.Logger
	cfg     config.Config
	codec   storage.Codec[K, V]
	compare storage.Compare[K]
	metrics *RingMetrics
	reg     prometheus.Registerer
	keyLen  int

	segments []*Segment[K]
	active   int
	sparse   *index.Sparse[K]
	pool     *storage.BytesPool
	records  atomic.Int64

	mu        sync.RWMutex
	closed    bool
	workQueue chan func()
	stopc     chan chan struct{}
	ticker    *time.Ticker
}

// SegmentStats describes one slot of the ring.
type SegmentStats struct {
	ID              uint16
	Records         uint32
	WritePosition   uint32
	IndexGeneration uint64
}

type Stats struct {
	Active        int
	Records       int64
	SparseEntries int
	Segments      []SegmentStats
}

// Open creates or recovers every segment of the ring described by cfg. The
// segment holding the greatest key becomes the active one.
func Open[K, V any](logger log.Logger, registerer prometheus.Registerer, cfg config.Config, codec storage.Codec[K, V], compare storage.Compare[K]) (*Ring[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keyLen := codec.FixedKeyLength()
	if keyLen < 1 || keyLen > storage.MaxKeyLength {
		return nil, errors.Wrapf(storage.ErrConfiguration, "fixed key length %d not in [1, %d]", keyLen, storage.MaxKeyLength)
	}

	minRecord := storage.RecordSize(keyLen, 0)
	if cfg.SegmentSize < int64(storage.SegmentHeaderSize+minRecord) {
		return nil, errors.Wrapf(storage.ErrConfiguration, "segment size %d cannot hold a single record", cfg.SegmentSize)
	}

	if err := os.MkdirAll(cfg.Dir, 0o777); err != nil {
		return nil, errors.Wrapf(storage.ErrConfiguration, "segment directory: %v", err)
	}

	gens, err := index.Generations(cfg.Dir, cfg.Prefix)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	r := &Ring[K, V]{
		logger:    log.With(logger, "component", "ring"),
		cfg:       cfg,
		codec:     codec,
		compare:   compare,
		keyLen:    keyLen,
		sparse:    index.NewSparse(compare, cfg.SliceSize),
		pool:      storage.NewBytesPool(),
		workQueue: make(chan func(), 100),
		stopc:     make(chan chan struct{}),
	}

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("storage_ring_", registerer)
	}
	r.reg = registerer
	r.metrics = NewRingMetrics(registerer,
		func() float64 { return float64(r.records.Load()) },
		func() float64 { return float64(r.sparse.Len()) },
	)

	opts := segmentOptions{
		dir:    cfg.Dir,
		prefix: cfg.Prefix,
		size:   int(cfg.SegmentSize),
		index: index.FileOptions{
			Dir:      cfg.Dir,
			Prefix:   cfg.Prefix,
			Capacity: uint32((cfg.SegmentSize - storage.SegmentHeaderSize) / int64(minRecord)),
		},
	}

	if err := r.load(opts, gens); err != nil {
		r.closeSegments()
		r.metrics.unregister(registerer)
		return nil, err
	}

	if cfg.FlushInterval > 0 {
		r.ticker = time.NewTicker(cfg.FlushInterval)
	}

	go r.run()

	level.Info(r.logger).Log("msg", "ring loaded", "segments", len(r.segments), "active", r.active, "records", r.records.Load())

	return r, nil
}

// load opens and recovers the segments in parallel, then picks the active one.
func (r *Ring[K, V]) load(opts segmentOptions, gens map[uint16][]uint64) error {
	r.segments = make([]*Segment[K], r.cfg.SegmentCount)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := range r.segments {
		id := uint16(i)

		g.Go(func() error {
			seg, err := openSegment(r.logger, opts, index.Keys[K](r.codec), r.compare, id, gens[id])
			if err != nil {
				return err
			}
			r.segments[id] = seg

			source, err := seg.recover(r.sparse)
			if err != nil {
				return errors.Wrapf(err, "recover segment %d", id)
			}
			r.metrics.recoveries.WithLabelValues(source).Inc()
			r.records.Add(int64(seg.count()))

			level.Debug(r.logger).Log("msg", "segment loaded", "segment", id, "source", source, "records", seg.count(), "position", seg.cursor)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.dropStale(); err != nil {
		return err
	}

	var maxKey *storage.IndexEntry[K]
	for i, seg := range r.segments {
		if seg.last != nil && (maxKey == nil || r.compare(seg.last.Key, maxKey.Key) > 0) {
			maxKey = seg.last
			r.active = i
		}
	}

	return nil
}

// dropStale empties segments whose only records were found past an empty
// index but are older than another segment's last key. Such a segment was
// recycled and its first record reserved but never written.
func (r *Ring[K, V]) dropStale() error {
	for _, seg := range r.segments {
		if !seg.unindexed {
			continue
		}

		first, err := seg.index.ReadEntry(1)
		if err != nil {
			return err
		}

		stale := false
		for _, other := range r.segments {
			if other != seg && other.last != nil && r.compare(first.Key, other.last.Key) <= 0 {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}

		level.Warn(r.logger).Log("msg", "dropping records left from a previous cycle", "segment", seg.id, "records", seg.count())

		r.records.Add(-int64(seg.count()))
		r.sparse.PurgeSegment(seg.id)
		if err := seg.reset(); err != nil {
			return err
		}
		seg.unindexed = false
	}

	return nil
}

func (r *Ring[K, V]) encode(key K, value V) ([]byte, []byte, error) {
	keyBytes, err := r.codec.EncodeKey(key)
	if err != nil {
		return nil, nil, storage.Encoding("encode key", err)
	}
	if len(keyBytes) != r.keyLen {
		return nil, nil, storage.Encoding("encode key", errors.Errorf("encoded key has %d bytes, expected %d", len(keyBytes), r.keyLen))
	}

	valueBytes, err := r.codec.EncodeValue(value)
	if err != nil {
		return nil, nil, storage.Encoding("encode value", err)
	}

	if size := storage.SegmentHeaderSize + storage.RecordSize(len(keyBytes), len(valueBytes)); int64(size) > r.cfg.SegmentSize {
		return nil, nil, errors.Wrapf(storage.ErrConfiguration, "record of %d bytes does not fit a segment of %d", size-storage.SegmentHeaderSize, r.cfg.SegmentSize)
	}

	return keyBytes, valueBytes, nil
}

// Put appends a record. A key that is not greater than the last key takes
// the override path configured by config.OverridePolicy.
func (r *Ring[K, V]) Put(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	if err := r.put(key, value); err != nil {
		r.metrics.writesFailed.Inc()
		return err
	}

	r.metrics.recordsWritten.Inc()

	if r.cfg.Flush {
		if err := r.fsync(r.segments[r.active]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Ring[K, V]) put(key K, value V) error {
	keyBytes, valueBytes, err := r.encode(key, value)
	if err != nil {
		return err
	}

	if err := r.repair(); err != nil {
		return err
	}

	if last, ok := r.sparse.Max(); ok && r.compare(key, last.Key) <= 0 {
		if err := r.override(key, last.Key); err != nil {
			return err
		}
	}

	return r.append(key, keyBytes, valueBytes)
}

func (r *Ring[K, V]) append(key K, keyBytes, valueBytes []byte) error {
	seg := r.segments[r.active]

	offset, ok := seg.reserve(len(keyBytes), len(valueBytes))
	if !ok {
		var err error
		if seg, err = r.rotate(); err != nil {
			return err
		}

		if offset, ok = seg.reserve(len(keyBytes), len(valueBytes)); !ok {
			return errors.Errorf("record does not fit empty segment %d", seg.id)
		}
	}

	entry, prev, err := seg.writeAt(offset, key, keyBytes, valueBytes)
	if err != nil {
		return err
	}

	r.sparse.Append(entry, prev)
	r.records.Add(1)

	return nil
}

// rotate moves the active pointer to the next slot, wrapping around, and
// recycles that slot. Its records leave the store.
func (r *Ring[K, V]) rotate() (*Segment[K], error) {
	prev := r.segments[r.active]

	r.active = (r.active + 1) % len(r.segments)
	next := r.segments[r.active]

	evicted := next.count()
	r.sparse.PurgeSegment(next.id)

	if err := next.reset(); err != nil {
		return nil, err
	}

	r.records.Add(-int64(evicted))
	r.metrics.rotations.Inc()

	level.Debug(r.logger).Log("msg", "rotated segment", "from", prev.id, "to", next.id, "evicted", evicted)

	f := func() {
		r.mu.RLock()
		defer r.mu.RUnlock()

		if !r.closed {
			r.fsync(prev)
		}
	}

	select {
	case r.workQueue <- f:
	default:
		r.fsync(prev)
	}

	return next, nil
}

// override applies the configured policy to a key not greater than last.
func (r *Ring[K, V]) override(key, last K) error {
	if r.cfg.Override != config.OverrideRewind {
		return errors.Wrapf(storage.ErrKeyOutOfOrder, "override policy %q", r.cfg.Override)
	}

	seg := r.segments[r.active]

	count := seg.count()
	if count == 0 {
		return errors.Wrap(storage.ErrKeyOutOfOrder, "active segment is empty")
	}

	first, err := seg.index.ReadEntry(1)
	if err != nil {
		return err
	}
	if r.compare(key, first.Key) < 0 {
		return errors.Wrapf(storage.ErrKeyOutOfOrder, "key precedes active segment %d", seg.id)
	}

	ordinal, err := seg.index.Search(1, count, func(e storage.IndexEntry[K]) bool {
		return r.compare(e.Key, key) >= 0
	})
	if err != nil {
		return err
	}

	dropped, err := seg.rewind(ordinal)
	if err != nil {
		return err
	}

	r.sparse.TruncateSegment(seg.id, ordinal)
	if seg.last != nil {
		r.sparse.Append(*seg.last, nil)
	}

	r.records.Add(-int64(dropped))
	r.metrics.overrides.Inc()

	level.Warn(r.logger).Log("msg", "rewound active segment", "segment", seg.id, "ordinal", ordinal, "dropped", dropped)

	return nil
}

// FirstKey returns the smallest key; ok is false when the store is empty.
func (r *Ring[K, V]) FirstKey() (key K, ok bool) {
	entry, ok := r.sparse.Min()
	return entry.Key, ok
}

// LastKey returns the largest key; ok is false when the store is empty.
func (r *Ring[K, V]) LastKey() (key K, ok bool) {
	entry, ok := r.sparse.Max()
	return entry.Key, ok
}

// Size returns the number of records in the store.
func (r *Ring[K, V]) Size() int64 {
	return r.records.Load()
}

// sliceEnd returns the last ordinal that can lie between sample and the next
// sample of the same segment.
func (r *Ring[K, V]) sliceEnd(sample storage.IndexEntry[K]) uint32 {
	if next, ok := r.sparse.Above(sample.Key); ok && next.Locator.Segment == sample.Locator.Segment {
		return next.Ordinal
	}
	return r.segments[sample.Locator.Segment].count()
}

// searchSlice finds the first entry after sample, within sample's slice, that
// satisfies pred. before is the entry preceding it, or the last entry of the
// slice when found is false. A damaged index slice is read from the segment
// data instead and the segment is marked for rebuild.
func (r *Ring[K, V]) searchSlice(sample storage.IndexEntry[K], pred func(storage.IndexEntry[K]) bool) (before, at storage.IndexEntry[K], found bool, err error) {
	seg := r.segments[sample.Locator.Segment]
	hi := r.sliceEnd(sample)

	before, at, found, err = r.searchIndex(seg, sample, hi, pred)
	if !errors.Is(err, storage.ErrCorruptIndex) {
		return before, at, found, err
	}

	if seg.damaged.CompareAndSwap(false, true) {
		level.Warn(r.logger).Log("msg", "index slice unreadable, reading segment data", "segment", seg.id, "ordinal", sample.Ordinal, "err", err)
	}

	entries, err := seg.entries(sample, hi)
	if err != nil {
		return before, at, false, err
	}

	before = sample
	for i := 1; i < len(entries); i++ {
		if pred(entries[i]) {
			return before, entries[i], true, nil
		}
		before = entries[i]
	}

	return before, at, false, nil
}

func (r *Ring[K, V]) searchIndex(seg *Segment[K], sample storage.IndexEntry[K], hi uint32, pred func(storage.IndexEntry[K]) bool) (before, at storage.IndexEntry[K], found bool, err error) {
	i, err := seg.index.Search(sample.Ordinal+1, hi, pred)
	if err != nil {
		return before, at, false, err
	}

	before = sample
	if i-1 > sample.Ordinal {
		if before, err = seg.index.ReadEntry(i - 1); err != nil {
			return before, at, false, err
		}
	}

	if i > hi {
		return before, at, false, nil
	}

	at, err = seg.index.ReadEntry(i)
	return before, at, err == nil, err
}

func (r *Ring[K, V]) locate(key K) (storage.IndexEntry[K], error) {
	floor, ok := r.sparse.Floor(key)
	if !ok {
		return floor, storage.ErrNotFound
	}
	if r.compare(floor.Key, key) == 0 {
		return floor, nil
	}

	_, entry, found, err := r.searchSlice(floor, func(e storage.IndexEntry[K]) bool {
		return r.compare(e.Key, key) >= 0
	})
	if err != nil {
		return entry, err
	}
	if !found || r.compare(entry.Key, key) != 0 {
		return entry, storage.ErrNotFound
	}

	return entry, nil
}

func (r *Ring[K, V]) successor(from K) (storage.IndexEntry[K], error) {
	floor, ok := r.sparse.Floor(from)
	if !ok {
		first, ok := r.sparse.Min()
		if !ok {
			return first, storage.ErrNotFound
		}
		return first, nil
	}

	_, entry, found, err := r.searchSlice(floor, func(e storage.IndexEntry[K]) bool {
		return r.compare(e.Key, from) > 0
	})
	if err != nil || found {
		return entry, err
	}

	// floor was in the last slice of its segment.
	next, ok := r.sparse.Above(from)
	if !ok {
		return next, storage.ErrNotFound
	}
	return next, nil
}

func (r *Ring[K, V]) predecessor(from K) (storage.IndexEntry[K], error) {
	below, ok := r.sparse.Below(from)
	if !ok {
		return below, storage.ErrNotFound
	}

	entry, _, _, err := r.searchSlice(below, func(e storage.IndexEntry[K]) bool {
		return r.compare(e.Key, from) >= 0
	})
	return entry, err
}

// repair rebuilds the segments that readers found damaged. The caller holds
// the write lock.
func (r *Ring[K, V]) repair() error {
	for _, seg := range r.segments {
		if !seg.damaged.Load() {
			continue
		}

		before := seg.count()
		if err := seg.rebuild(r.sparse); err != nil {
			return errors.Wrapf(err, "rebuild segment %d", seg.id)
		}
		r.records.Add(int64(seg.count()) - int64(before))
		r.metrics.recoveries.WithLabelValues(recoveredRepair).Inc()

		level.Info(r.logger).Log("msg", "rebuilt segment index", "segment", seg.id, "records", seg.count())
	}

	return nil
}

// value reads and decodes the record behind entry.
func (r *Ring[K, V]) value(entry storage.IndexEntry[K]) (V, error) {
	value := r.codec.NewValue()

	rec, err := r.segments[entry.Locator.Segment].read(entry.Locator.Position)
	if err != nil {
		return value, err
	}

	buf := r.pool.CopyBytes(rec.Value)
	defer r.pool.PutBytes(buf)

	if err := r.codec.DecodeValue(*buf, &value); err != nil {
		return value, storage.Encoding("decode value", err)
	}

	return value, nil
}

func (r *Ring[K, V]) rlock() error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return storage.ErrClosed
	}
	return nil
}

// Get returns the value stored under key.
func (r *Ring[K, V]) Get(key K) (V, error) {
	if err := r.rlock(); err != nil {
		return r.codec.NewValue(), err
	}
	defer r.mu.RUnlock()

	entry, err := r.locate(key)
	if err != nil {
		return r.codec.NewValue(), err
	}

	return r.value(entry)
}

// GetRaw returns a copy of the encoded value stored under key.
func (r *Ring[K, V]) GetRaw(key K) ([]byte, error) {
	if err := r.rlock(); err != nil {
		return nil, err
	}
	defer r.mu.RUnlock()

	entry, err := r.locate(key)
	if err != nil {
		return nil, err
	}

	rec, err := r.segments[entry.Locator.Segment].read(entry.Locator.Position)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), rec.Value...), nil
}

// Locate returns where the record for key is stored.
func (r *Ring[K, V]) Locate(key K) (storage.Locator, error) {
	if err := r.rlock(); err != nil {
		return storage.Locator{}, err
	}
	defer r.mu.RUnlock()

	entry, err := r.locate(key)
	return entry.Locator, err
}

// Next returns the record with the smallest key greater than from.
func (r *Ring[K, V]) Next(from K) (K, V, error) {
	return r.neighbour(from, r.successor)
}

// Previous returns the record with the greatest key smaller than from.
func (r *Ring[K, V]) Previous(from K) (K, V, error) {
	return r.neighbour(from, r.predecessor)
}

func (r *Ring[K, V]) neighbour(from K, find func(K) (storage.IndexEntry[K], error)) (K, V, error) {
	if err := r.rlock(); err != nil {
		return r.codec.NewKey(), r.codec.NewValue(), err
	}
	defer r.mu.RUnlock()

	entry, err := find(from)
	if err != nil {
		return r.codec.NewKey(), r.codec.NewValue(), err
	}

	value, err := r.value(entry)
	return entry.Key, value, err
}

// Scan calls fn for every record in key order until fn returns false.
func (r *Ring[K, V]) Scan(fn func(storage.Record[K, V]) bool) error {
	if err := r.rlock(); err != nil {
		return err
	}
	defer r.mu.RUnlock()

	for i := 1; i <= len(r.segments); i++ {
		seg := r.segments[(r.active+i)%len(r.segments)]

		for ordinal := uint32(1); ordinal <= seg.count(); ordinal++ {
			entry, err := seg.index.ReadEntry(ordinal)
			if err != nil {
				return err
			}

			value, err := r.value(entry)
			if err != nil {
				return err
			}

			if !fn(storage.Record[K, V]{Key: entry.Key, Value: value, Locator: entry.Locator}) {
				return nil
			}
		}
	}

	return nil
}

// Truncate empties the store. Every segment starts a new index generation.
func (r *Ring[K, V]) Truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.ErrClosed
	}

	// Each segment leaves the sparse index and the count only once it is reset.
	for _, seg := range r.segments {
		count := seg.count()
		if err := seg.reset(); err != nil {
			return err
		}
		r.sparse.PurgeSegment(seg.id)
		r.records.Add(-int64(count))
	}

	r.active = 0

	level.Info(r.logger).Log("msg", "ring truncated")

	return nil
}

// Verify checks the checksum of every live record.
func (r *Ring[K, V]) Verify() error {
	if err := r.rlock(); err != nil {
		return err
	}
	defer r.mu.RUnlock()

	for _, seg := range r.segments {
		if err := seg.verify(); err != nil {
			return err
		}
	}

	return nil
}

func (r *Ring[K, V]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Active:        r.active,
		Records:       r.records.Load(),
		SparseEntries: r.sparse.Len(),
	}

	if r.closed {
		return stats
	}

	for _, seg := range r.segments {
		stats.Segments = append(stats.Segments, SegmentStats{
			ID:              seg.id,
			Records:         seg.count(),
			WritePosition:   seg.cursor,
			IndexGeneration: seg.index.Generation(),
		})
	}

	return stats
}

// Sync flushes every segment and index file to disk.
func (r *Ring[K, V]) Sync() error {
	if err := r.rlock(); err != nil {
		return err
	}
	defer r.mu.RUnlock()

	for _, seg := range r.segments {
		if err := r.fsync(seg); err != nil {
			return err
		}
	}

	return nil
}

func (r *Ring[K, V]) fsync(s *Segment[K]) error {
	now := time.Now()
	err := s.sync()

	r.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	if err != nil {
		level.Error(r.logger).Log("msg", "error syncing segment", "err", err, "segment", s.id)
	}

	return err
}

func (r *Ring[K, V]) flushActive() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.closed {
		r.fsync(r.segments[r.active])
	}
}

func (r *Ring[K, V]) run() {
	var tick <-chan time.Time
	if r.ticker != nil {
		tick = r.ticker.C
	}

Loop:
	for {
		select {
		case f := <-r.workQueue:
			f()
		case <-tick:
			r.flushActive()
		case donec := <-r.stopc:
			close(r.workQueue)
			defer close(donec)
			break Loop
		}
	}

	for f := range r.workQueue {
		f()
	}
}

// Close flushes and releases every segment. Later calls return storage.ErrClosed.
func (r *Ring[K, V]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return storage.ErrClosed
	}
	repairErr := r.repair()
	r.closed = true
	r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
	}

	donec := make(chan struct{})
	r.stopc <- donec
	<-donec

	firstErr := repairErr
	for _, seg := range r.segments {
		if err := r.fsync(seg); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := r.closeSegments(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.metrics.unregister(r.reg)

	level.Info(r.logger).Log("msg", "ring closed")

	return firstErr
}

func (r *Ring[K, V]) closeSegments() error {
	var firstErr error
	for _, seg := range r.segments {
		if seg == nil {
			continue
		}
		if err := seg.close(); err != nil {
			level.Error(r.logger).Log("msg", "error closing segment", "err", err, "segment", seg.id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
