package codec

import (
	"sync"
	"unicode/utf8"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var ErrInvalidUTF8 = errors.New("value is not valid utf-8")

// Bytes stores values verbatim.
type Bytes struct{}

func (Bytes) NewValue() []byte {
	return nil
}

func (Bytes) EncodeValue(value []byte) ([]byte, error) {
	return value, nil
}

func (Bytes) DecodeValue(b []byte, value *[]byte) error {
	*value = append((*value)[:0], b...)
	return nil
}

// String stores utf-8 text.
type String struct{}

func (String) NewValue() string {
	return ""
}

func (String) EncodeValue(value string) ([]byte, error) {
	if !utf8.ValidString(value) {
		return nil, ErrInvalidUTF8
	}
	return []byte(value), nil
}

func (String) DecodeValue(b []byte, value *string) error {
	if !utf8.Valid(b) {
		return ErrInvalidUTF8
	}
	*value = string(b)
	return nil
}

// Snappy compresses whatever the wrapped codec produces.
type Snappy[V any] struct {
	Inner ValueCodec[V]
}

func (s Snappy[V]) NewValue() V {
	return s.Inner.NewValue()
}

func (s Snappy[V]) EncodeValue(value V) ([]byte, error) {
	raw, err := s.Inner.EncodeValue(value)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (s Snappy[V]) DecodeValue(b []byte, value *V) error {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return errors.Wrap(err, "snappy decode")
	}
	return s.Inner.DecodeValue(raw, value)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// Zstd compresses whatever the wrapped codec produces with zstd. It trades
// write throughput for a better ratio than Snappy.
type Zstd[V any] struct {
	Inner ValueCodec[V]
}

func (z Zstd[V]) NewValue() V {
	return z.Inner.NewValue()
}

func (z Zstd[V]) EncodeValue(value V) ([]byte, error) {
	raw, err := z.Inner.EncodeValue(value)
	if err != nil {
		return nil, err
	}

	enc, err := getZstdEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	defer zstdEncoderPool.Put(enc)

	return enc.EncodeAll(raw, nil), nil
}

func (z Zstd[V]) DecodeValue(b []byte, value *V) error {
	dec, err := getZstdDecoder()
	if err != nil {
		return errors.Wrap(err, "zstd decoder")
	}
	defer zstdDecoderPool.Put(dec)

	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return errors.Wrap(err, "zstd decode")
	}
	return z.Inner.DecodeValue(raw, value)
}
