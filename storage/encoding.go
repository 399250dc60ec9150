package storage

import "encoding/binary"

// Index file layout:
// [ recordCount u32 ] [ entry ] [ entry ] ...
//
// Entry layout:
// [ key fixedKeyLength ] [ segmentId u16 ] [ position u32 ] [ ordinal u32 ]
const (
	IndexHeaderSize    = 4
	indexEntryOverhead = 2 + 4 + 4
)

// IndexEntrySize returns the encoded size of an index entry.
func IndexEntrySize(keyLen int) int {
	return keyLen + indexEntryOverhead
}

// EncodeIndex writes one entry at the start of bytes.
func EncodeIndex(key []byte, loc Locator, ordinal uint32, bytes []byte) {
	n := copy(bytes, key)
	binary.BigEndian.PutUint16(bytes[n:], loc.Segment)
	binary.BigEndian.PutUint32(bytes[n+2:], loc.Position)
	binary.BigEndian.PutUint32(bytes[n+6:], ordinal)
}

// DecodeIndex parses the entry at the start of bytes. The returned key
// aliases bytes.
func DecodeIndex(bytes []byte, keyLen int) (key []byte, loc Locator, ordinal uint32) {
	key = bytes[:keyLen]
	loc.Segment = binary.BigEndian.Uint16(bytes[keyLen:])
	loc.Position = binary.BigEndian.Uint32(bytes[keyLen+2:])
	ordinal = binary.BigEndian.Uint32(bytes[keyLen+6:])

	return key, loc, ordinal
}
