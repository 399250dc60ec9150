package index

import (
	"os"
	"ringstore/storage"
	"sort"

	"github.com/pkg/errors"
)

// Generations lists the index files in dir, keyed by segment id, with the
// generations of each segment sorted ascending.
func Generations(dir, prefix string) (map[uint16][]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list index files")
	}

	refs := make(map[uint16][]uint64)

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		segment, generation, ok := storage.ParseIndexName(prefix, file.Name())
		if !ok {
			continue
		}

		refs[segment] = append(refs[segment], generation)
	}

	for _, gens := range refs {
		sort.Slice(gens, func(i, j int) bool {
			return gens[i] < gens[j]
		})
	}

	return refs, nil
}

// LastGeneration returns the newest generation in gens, zero when empty.
func LastGeneration(gens []uint64) uint64 {
	if len(gens) == 0 {
		return 0
	}
	return gens[len(gens)-1]
}
