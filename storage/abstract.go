package storage

// Codec encodes keys and values of one store. Keys have a fixed encoded
// length; values are variable. Decoders must not retain the input slice.
type Codec[K, V any] interface {
	NewKey() K
	NewValue() V
	FixedKeyLength() int
	EncodeKey(key K) ([]byte, error)
	EncodeValue(value V) ([]byte, error)
	DecodeKey(b []byte, key *K) error
	DecodeValue(b []byte, value *V) error
}

// Compare orders keys: negative when a < b, zero when equal, positive when a > b.
type Compare[K any] func(a, b K) int

// Locator is the position of a record: segment id and byte offset inside it.
type Locator struct {
	Segment  uint16
	Position uint32
}

// IndexEntry maps a key to its record. Ordinal is the 1-based position of the
// entry inside its segment's index file.
type IndexEntry[K any] struct {
	Key     K
	Locator Locator
	Ordinal uint32
}

// Record is a decoded key/value pair together with where it was read from.
type Record[K, V any] struct {
	Key     K
	Value   V
	Locator Locator
}
