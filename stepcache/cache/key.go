package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type keyDocument[P any] struct {
	Identifier string `json:"identifier"`
	Previous   []P    `json:"previous"`
}

// DeriveKey builds the canonical cache key for an intent and its prior steps.
// project maps each prior step to the lossy form that should take part in the
// key, so that equivalent histories collapse to the same key. It reports false
// when the store is disabled or the projection cannot be serialized.
func DeriveKey[S, P any](s *Store, identifier string, prior []S, project func(S) P) (string, bool) {
	if !s.IsEnabled() {
		return "", false
	}

	previous := make([]P, 0, len(prior))
	for _, step := range prior {
		previous = append(previous, project(step))
	}

	key, err := CanonicalKey(identifier, previous)
	if err != nil {
		s.logger.Warn().Err(err).Str("identifier", identifier).Msg("cache key derivation failed")
		return "", false
	}
	return key, true
}

// CanonicalKey serializes identifier and an already projected history.
// Struct fields keep declaration order and map keys are sorted, so equal
// inputs always produce equal keys.
func CanonicalKey[P any](identifier string, previous []P) (string, error) {
	if previous == nil {
		previous = []P{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(keyDocument[P]{Identifier: identifier, Previous: previous}); err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
