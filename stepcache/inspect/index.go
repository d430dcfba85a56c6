package inspect

import (
	"encoding/json"
	"sort"

	"github.com/armon/go-radix"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/cache"
)

// Location points at one cache key.
type Location struct {
	Path       string
	Key        string
	Identifier string
	Depth      int // number of prior steps in the key
	Entries    int
}

// Index maps step identifiers to the cache keys that hold them, across files.
type Index struct {
	tree *radix.Tree
}

func NewIndex() *Index {
	return &Index{tree: radix.New()}
}

// BuildIndex indexes every readable file in paths. Unreadable files are
// skipped and reported together in the returned error.
func BuildIndex(fs afero.Fs, paths []string) (*Index, error) {
	idx := NewIndex()
	var result *multierror.Error
	for _, path := range paths {
		layer, err := cache.ReadEntries(fs, path, true)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		idx.Add(path, layer)
	}
	return idx, result.ErrorOrNil()
}

// Add indexes the keys of one file.
func (i *Index) Add(path string, layer map[string][]cache.Entry) {
	for key, entries := range layer {
		identifier, depth := parseKey(key)
		loc := Location{Path: path, Key: key, Identifier: identifier, Depth: depth, Entries: len(entries)}

		var locs []Location
		if v, ok := i.tree.Get(identifier); ok {
			locs = v.([]Location)
		}
		i.tree.Insert(identifier, append(locs, loc))
	}
}

// Prefix returns the locations of every identifier starting with prefix,
// ordered by identifier.
func (i *Index) Prefix(prefix string) []Location {
	var out []Location
	i.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		locs := append([]Location(nil), v.([]Location)...)
		sort.Slice(locs, func(a, b int) bool {
			if locs[a].Path != locs[b].Path {
				return locs[a].Path < locs[b].Path
			}
			return locs[a].Key < locs[b].Key
		})
		out = append(out, locs...)
		return false
	})
	return out
}

// Identifiers returns the number of distinct identifiers.
func (i *Index) Identifiers() int { return i.tree.Len() }

// parseKey extracts the identifier from a canonical key. Keys written by
// other tools are indexed verbatim.
func parseKey(key string) (string, int) {
	var doc struct {
		Identifier *string           `json:"identifier"`
		Previous   []json.RawMessage `json:"previous"`
	}
	if err := json.Unmarshal([]byte(key), &doc); err != nil || doc.Identifier == nil {
		return key, 0
	}
	return *doc.Identifier, len(doc.Previous)
}
