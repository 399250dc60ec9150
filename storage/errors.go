package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConfiguration    = errors.New("invalid configuration")
	ErrConcurrentAccess = errors.New("segment locked by another process")
	ErrCorruptIndex     = errors.New("corrupt index")
	ErrEncoding         = errors.New("encoding failed")
	ErrChecksum         = errors.New("checksum mismatch")
	ErrNotFound         = errors.New("key not found")
	ErrKeyOutOfOrder    = errors.New("key not greater than last key")
	ErrClosed           = errors.New("store closed")
)

// EncodingError reports a codec failure. The store is left untouched.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// Encoding wraps err into an *EncodingError, nil stays nil.
func Encoding(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EncodingError{Op: op, Err: err}
}
