// Package fingerprint turns a captured screen state into a multi-algorithm
// fingerprint and decides whether two fingerprints describe the same screen.
package fingerprint

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/iter"
)

// Capture is one screen state as handed over by a capture driver.
type Capture struct {
	Screenshot []byte // encoded image (png, jpeg, gif, webp); may be empty
	Hierarchy  string // textual UI hierarchy dump; may be empty
}

// Fingerprint maps an algorithm name to that algorithm's hash of a capture.
// It may be partial: algorithms that could not hash the capture are missing.
type Fingerprint map[string]string

// Algorithm fingerprints a capture and owns its similarity policy.
type Algorithm interface {
	// Hash returns false when the capture lacks what the algorithm needs.
	Hash(c Capture) (string, bool)
	Similar(a, b string) bool
}

var (
	ErrNilAlgorithm       = errors.New("fingerprint: nil algorithm")
	ErrDuplicateAlgorithm = errors.New("fingerprint: algorithm already registered")
)

type namedAlgorithm struct {
	name string
	alg  Algorithm
}

// Registry holds the active algorithms in registration order.
type Registry struct {
	mu    sync.RWMutex
	algs  []namedAlgorithm
	index map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register appends an algorithm under name.
func (r *Registry) Register(name string, alg Algorithm) error {
	if alg == nil {
		return fmt.Errorf("%w: %s", ErrNilAlgorithm, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAlgorithm, name)
	}
	r.index[name] = len(r.algs)
	r.algs = append(r.algs, namedAlgorithm{name: name, alg: alg})
	return nil
}

// MustRegister is Register that panics, for static wiring.
func (r *Registry) MustRegister(name string, alg Algorithm) *Registry {
	if err := r.Register(name, alg); err != nil {
		panic(err)
	}
	return r
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.algs))
	for i, a := range r.algs {
		names[i] = a.name
	}
	return names
}

// Lookup returns the algorithm registered under name.
func (r *Registry) Lookup(name string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.algs[i].alg, true
}

func (r *Registry) snapshot() []namedAlgorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]namedAlgorithm(nil), r.algs...)
}

// Generate runs every registered algorithm over c and keeps the hashes that
// could be computed. An empty result is valid.
func (r *Registry) Generate(c Capture) Fingerprint {
	algs := r.snapshot()

	type result struct {
		hash string
		ok   bool
	}
	results := iter.Map(algs, func(a *namedAlgorithm) result {
		h, ok := a.alg.Hash(c)
		return result{hash: h, ok: ok}
	})

	fp := make(Fingerprint, len(algs))
	for i, res := range results {
		if res.ok {
			fp[algs[i].name] = res.hash
		}
	}
	return fp
}

// Compare reports whether candidate and stored describe the same screen.
//
// Empty fingerprints only match each other. Otherwise only algorithms present
// on both sides are consulted, in registration order, and the first one that
// reports similarity decides a match. No common algorithm means no match.
func (r *Registry) Compare(candidate, stored Fingerprint) bool {
	if len(candidate) == 0 || len(stored) == 0 {
		return len(candidate) == 0 && len(stored) == 0
	}

	for _, a := range r.snapshot() {
		ch, inCandidate := candidate[a.name]
		sh, inStored := stored[a.name]
		if !inCandidate || !inStored {
			continue
		}
		if a.alg.Similar(ch, sh) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (f Fingerprint) Clone() Fingerprint {
	if f == nil {
		return nil
	}
	out := make(Fingerprint, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
