package inspect

import (
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/cache"
)

// Summary describes the contents of one cache file.
type Summary struct {
	Path          string
	Keys          int
	Entries       int
	Fingerprinted int // entries carrying a fingerprint
	Legacy        int // entries carrying only the structural hash
	KeyOnly       int // entries that match on their key alone
	Algorithms    map[string]int
	Oldest        time.Time
	Newest        time.Time
}

// AlgorithmNames returns the algorithms seen in the file, sorted.
func (s *Summary) AlgorithmNames() []string {
	names := make([]string, 0, len(s.Algorithms))
	for name := range s.Algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summarize reads a cache file and counts its entries by shape.
func Summarize(fs afero.Fs, path string) (*Summary, error) {
	layer, err := cache.ReadEntries(fs, path, true)
	if err != nil {
		return nil, err
	}
	return summarize(path, layer), nil
}

func summarize(path string, layer map[string][]cache.Entry) *Summary {
	s := &Summary{Path: path, Keys: len(layer), Algorithms: map[string]int{}}
	for _, entries := range layer {
		for _, e := range entries {
			s.Entries++
			switch {
			case e.Fingerprint != nil:
				s.Fingerprinted++
				for name := range e.Fingerprint {
					s.Algorithms[name]++
				}
			case e.UIHierarchyHash != "":
				s.Legacy++
			default:
				s.KeyOnly++
			}

			created := time.UnixMilli(e.CreationTime)
			if s.Oldest.IsZero() || created.Before(s.Oldest) {
				s.Oldest = created
			}
			if created.After(s.Newest) {
				s.Newest = created
			}
		}
	}
	return s
}
