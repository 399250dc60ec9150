package ring

import (
	"ringstore/storage"

	"github.com/pkg/errors"
)

// Reader walks the records of one segment from a start position up to the
// segment's write position.
type Reader struct {
	data   []byte
	keyLen int
	pos    uint32
	cur    uint32
	rec    storage.RawRecord
	err    error
}

// NewReader reads data, which must end at the write position, starting at from.
func NewReader(data []byte, from uint32, keyLen int) *Reader {
	return &Reader{data: data, keyLen: keyLen, pos: from, cur: from}
}

// Next advances to the next record. It returns false at the end of the data
// or at the first record that was not completely written; Err tells which.
func (r *Reader) Next() bool {
	if r.err != nil || int(r.pos) >= len(r.data) {
		return false
	}

	rec, err := storage.DecodeRecord(r.data[r.pos:])

	switch {
	case err != nil:
		r.err = errors.Wrapf(err, "record at %d", r.pos)
	case len(rec.Key) != r.keyLen:
		r.err = errors.Errorf("record at %d: key length %d, expected %d", r.pos, len(rec.Key), r.keyLen)
	case int(r.pos)+rec.Size == len(r.data) && !rec.Valid():
		// Only the final record can be torn; earlier checksum failures are
		// reported when the record is read.
		r.err = errors.Wrapf(storage.ErrChecksum, "record at %d", r.pos)
	}

	if r.err != nil {
		return false
	}

	r.rec = rec
	r.cur = r.pos
	r.pos += uint32(rec.Size)

	return true
}

// Record returns the current record. Its slices alias the segment.
func (r *Reader) Record() storage.RawRecord {
	return r.rec
}

// Position returns where the current record starts.
func (r *Reader) Position() uint32 {
	return r.cur
}

// Offset returns the first byte past the last complete record.
func (r *Reader) Offset() uint32 {
	return r.pos
}

// Err returns why reading stopped before the end of the data, if it did.
func (r *Reader) Err() error {
	return r.err
}
