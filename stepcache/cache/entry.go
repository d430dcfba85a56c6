package cache

import (
	"encoding/json"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
)

// Entry is one previously accepted result stored under a cache key.
//
// A nil Fingerprint means the entry predates fingerprints. An empty, non-nil
// one was recorded against a failed capture and is persisted as {} so that it
// only matches other empty fingerprints.
type Entry struct {
	Value       json.RawMessage         `json:"value"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	// UIHierarchyHash is the legacy single structural hash written before
	// entries carried a full fingerprint.
	UIHierarchyHash string `json:"uiHierarchyHash,omitempty"`
	CreationTime    int64  `json:"creationTime"` // unix milliseconds
}

// MarshalJSON keeps an empty fingerprint in the output while still omitting
// an absent one.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	out := struct {
		plain
		Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	}{plain: plain(e)}
	if e.Fingerprint != nil {
		out.Fingerprint = &e.Fingerprint
	}
	return json.Marshal(out)
}

// keyOnly reports whether the entry carries nothing to compare against, in
// which case it matches on its key alone.
func (e Entry) keyOnly() bool {
	return e.Fingerprint == nil && e.UIHierarchyHash == ""
}

// legacy reports whether the entry only has the structural hash shape.
func (e Entry) legacy() bool {
	return e.Fingerprint == nil && e.UIHierarchyHash != ""
}

func (e Entry) clone() Entry {
	e.Value = append(json.RawMessage(nil), e.Value...)
	e.Fingerprint = e.Fingerprint.Clone()
	return e
}

// layer maps a cache key to its entries, oldest first.
type layer map[string][]Entry

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}
