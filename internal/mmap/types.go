package mmap

import "errors"

var (
	ErrClosed      = errors.New("mmap: mapping closed")
	ErrLocked      = errors.New("mmap: file locked by another process")
	ErrInvalidSize = errors.New("mmap: invalid size")
	ErrTooLarge    = errors.New("mmap: file larger than requested size")
)

// AccessPattern is a hint to the kernel about how a mapping will be read.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	AccessSequential
	AccessRandom
	AccessWillNeed
)

// Flag alters how OpenFile treats the file.
type Flag int

const (
	// FlagLock takes an exclusive advisory lock on the file.
	FlagLock Flag = 1 << iota
)
