package mmap

import (
	"os"
	"sync/atomic"
)

// Mapping is a read-write shared mapping of a whole file.
type Mapping struct {
	path   string
	f      *os.File
	data   []byte
	size   int
	closed atomic.Bool
}

// OpenFile opens or creates path and maps exactly size bytes of it.
// A file shorter than size is extended with zeroes; a longer one is rejected
// with ErrTooLarge.
func OpenFile(path string, size int, flags Flag) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}

	if flags&FlagLock != 0 {
		if err := osLock(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	switch {
	case fi.Size() > int64(size):
		f.Close()
		return nil, ErrTooLarge
	case fi.Size() < int64(size):
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := osMap(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Mapping{
		path: path,
		f:    f,
		data: data,
		size: size,
	}, nil
}

// Bytes returns the mapped region. The slice is valid until Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Path returns the name of the mapped file.
func (m *Mapping) Path() string {
	return m.path
}

// Sync flushes dirty pages of the mapping to the file.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osSync(m.data)
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the memory and closes the file, which also drops the lock.
// It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	err := osUnmap(m.data)
	m.data = nil

	if closeErr := m.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}
