// Package structural fingerprints the textual UI hierarchy with an exact checksum.
package structural

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
)

// Name is the registry name of the structural hash.
const Name = "structural"

// Hasher computes an MD5 checksum over the raw hierarchy text.
// Similarity is exact equality.
type Hasher struct{}

func New() *Hasher { return &Hasher{} }

// Sum returns the checksum of a hierarchy dump.
func Sum(hierarchy string) string {
	sum := md5.Sum([]byte(hierarchy))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) Hash(c fingerprint.Capture) (string, bool) {
	if c.Hierarchy == "" {
		return "", false
	}
	return Sum(c.Hierarchy), true
}

func (h *Hasher) Similar(a, b string) bool {
	return a == b
}

var _ fingerprint.Algorithm = (*Hasher)(nil)
