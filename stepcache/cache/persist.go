package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// writeFileAtomic writes data to a temp file next to path and renames it into
// place, so readers see either the old or the new content.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	// No-op after a successful rename.
	defer fs.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// readLayer loads a persisted layer. A missing file yields an empty layer and
// no error; unreadable or malformed content yields an empty layer and the error.
func readLayer(fs afero.Fs, path string, validate bool) (layer, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if exists, _ := afero.Exists(fs, path); !exists {
			return layer{}, nil
		}
		return layer{}, fmt.Errorf("read cache file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return layer{}, nil
	}

	if validate {
		if err := validateFile(data); err != nil {
			return layer{}, fmt.Errorf("cache file %s: %w", path, err)
		}
	}

	var l layer
	if err := json.Unmarshal(data, &l); err != nil {
		return layer{}, fmt.Errorf("decode cache file %s: %w", path, err)
	}
	if l == nil {
		// A literal null is not a layer.
		return layer{}, fmt.Errorf("decode cache file %s: not an object", path)
	}
	return l, nil
}

// encodeLayer renders a layer as indented JSON with sorted keys.
func encodeLayer(l layer) ([]byte, error) {
	if l == nil {
		l = layer{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("encode cache layer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadEntries loads a cache file for inspection. Unlike a Store, it reports
// malformed content instead of treating it as empty.
func ReadEntries(fs afero.Fs, path string, validate bool) (map[string][]Entry, error) {
	l, err := readLayer(fs, path, validate)
	if err != nil {
		return nil, err
	}
	return l, nil
}
