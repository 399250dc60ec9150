// Package index implements the two tiers of the ring store's key index.
//
// A File holds every (key, locator) pair of one segment in append order and
// lives in its own memory-mapped file. Recycling a segment starts a new
// generation of its file instead of rewriting the old one, so a crash in the
// middle of a reset leaves a readable index behind. The highest generation on
// disk wins.
//
// Sparse is the in-memory tier shared by all segments of a store. Per segment
// it keeps the first entry, the last entry and every K-th entry in between.
// Any key between two neighbouring samples of the same segment is found by a
// binary search over that slice of the segment's File.
package index
