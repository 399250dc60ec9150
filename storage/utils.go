package storage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

func FileNameWithoutExtension(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}

// SegmentName is <prefix><segmentId>.
func SegmentName(dir, prefix string, segment uint16) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", prefix, segment))
}

// IndexName is <prefix>index-<segmentId>.<generation>.
func IndexName(dir, prefix string, segment uint16, generation uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%sindex-%d.%d", prefix, segment, generation))
}

// ParseIndexName extracts the segment id and generation from an index file
// base name. ok is false for any other file.
func ParseIndexName(prefix, fileName string) (segment uint16, generation uint64, ok bool) {
	ext := filepath.Ext(fileName)
	if len(ext) < 2 {
		return 0, 0, false
	}

	base, found := strings.CutPrefix(FileNameWithoutExtension(fileName), prefix+"index-")
	if !found {
		return 0, 0, false
	}

	s, err := strconv.ParseUint(base, 10, 16)
	if err != nil {
		return 0, 0, false
	}

	g, err := strconv.ParseUint(ext[1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return uint16(s), g, true
}
