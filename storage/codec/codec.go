// Package codec holds ready-made codecs for the ring store: a 16 byte change
// log key and a few value encodings that can be combined with New.
package codec

import "ringstore/storage"

// KeyCodec encodes fixed length keys.
type KeyCodec[K any] interface {
	NewKey() K
	FixedKeyLength() int
	EncodeKey(key K) ([]byte, error)
	DecodeKey(b []byte, key *K) error
}

// ValueCodec encodes variable length values.
type ValueCodec[V any] interface {
	NewValue() V
	EncodeValue(value V) ([]byte, error)
	DecodeValue(b []byte, value *V) error
}

type pair[K, V any] struct {
	KeyCodec[K]
	ValueCodec[V]
}

// New joins a key codec and a value codec into a storage.Codec.
func New[K, V any](keys KeyCodec[K], values ValueCodec[V]) storage.Codec[K, V] {
	return pair[K, V]{KeyCodec: keys, ValueCodec: values}
}
