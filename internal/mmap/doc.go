// Package mmap provides read-write memory-mapped files for the segment ring.
//
// # Overview
//
// Every segment and every per-segment index file is a fixed-size file mapped
// MAP_SHARED into the process. Writes go straight into the mapping; the
// kernel decides when dirty pages reach the disk unless the caller asks for
// an explicit Sync.
//
// # Usage
//
//	m, err := mmap.OpenFile("data-ringBuffer-0", 64<<20, mmap.FlagLock)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()
//	binary.BigEndian.PutUint32(data, 4)
//	_ = m.Sync()
//
// # Locking
//
// With FlagLock the file is locked with a non-blocking exclusive flock(2)
// before it is resized or mapped. A second process opening the same file gets
// ErrLocked. The lock is released when the mapping is closed.
//
// # Thread Safety
//
// Close is idempotent. Callers must ensure nobody touches Bytes() after
// Close() returns.
package mmap
