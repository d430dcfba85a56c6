// Package cache implements the two-tier step cache: a temporary in-session
// buffer merged on flush into a durable JSON file per scope.
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/config"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint/structural"
)

var errNothingToFlush = errors.New("nothing to flush")

// Store owns one scope's cache file, its persistent layer and the temporary
// buffer of entries produced during the current session.
type Store struct {
	mu         sync.RWMutex
	persistent layer
	temporary  layer

	path     string
	enabled  bool
	override bool
	validate bool
	watch    bool

	fs       afero.Fs
	queue    *WriteQueue
	registry *fingerprint.Registry
	logger   zerolog.Logger
	now      func() time.Time
	metrics  *Metrics
	watcher  *fileWatcher
}

// Option customizes a Store.
type Option func(*Store)

// WithFs replaces the filesystem, e.g. with afero.NewMemMapFs() in tests.
func WithFs(fs afero.Fs) Option { return func(s *Store) { s.fs = fs } }

// WithLogger sets the sink for cache warnings.
func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithSchemaValidation toggles schema checks when loading the file.
func WithSchemaValidation(on bool) Option { return func(s *Store) { s.validate = on } }

// WithWatch reloads the persistent layer when the file changes on disk.
func WithWatch(on bool) Option { return func(s *Store) { s.watch = on } }

// WithPath sets the backing file, skipping scope detection.
func WithPath(path string) Option { return func(s *Store) { s.path = path } }

// New creates a store for cfg and eagerly loads its persistent layer.
// registry fingerprints staged values.
func New(cfg config.CacheConfig, registry *fingerprint.Registry, opts ...Option) *Store {
	s := &Store{
		persistent: layer{},
		temporary:  layer{},
		enabled:    cfg.Enabled,
		override:   cfg.Override,
		validate:   cfg.ValidateSchema,
		watch:      cfg.Watch,
		fs:         afero.NewOsFs(),
		queue:      NewWriteQueue(),
		registry:   registry,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path == "" {
		s.path = ResolvePath(cfg.Path, cfg.DirName)
	}
	if s.registry == nil {
		s.registry = fingerprint.NewRegistry()
	}
	s.logger = s.logger.With().Str("component", "stepcache").Str("cache_file", s.path).Logger()

	s.load()

	if s.watch {
		w, err := newFileWatcher(s)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache file watch disabled")
		} else {
			s.watcher = w
		}
	}
	return s
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// IsEnabled reports whether caching is on at all.
func (s *Store) IsEnabled() bool { return s.enabled }

// IsOverride reports whether reads are bypassed to force regeneration.
func (s *Store) IsOverride() bool { return s.override }

// Registry returns the registry used to fingerprint staged values.
func (s *Store) Registry() *fingerprint.Registry { return s.registry }

// Metrics returns the attached collector, possibly nil.
func (s *Store) Metrics() *Metrics { return s.metrics }

func (s *Store) load() {
	l, err := readLayer(s.fs, s.path, s.validate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache file unusable, starting empty")
	}

	s.mu.Lock()
	s.persistent = l
	s.mu.Unlock()
}

// Reload re-reads the persistent layer from disk. It is ordered with flushes.
func (s *Store) Reload() {
	_ = s.queue.Execute(func() error {
		s.load()
		return nil
	})
	s.metrics.RecordReload()
}

// Lookup returns the persisted entries for key. It never consults the
// temporary buffer, and reports false while disabled or overridden.
func (s *Store) Lookup(key string) ([]Entry, bool) {
	if !s.enabled || s.override {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.persistent[key]
	if !ok || len(entries) == 0 {
		return nil, false
	}
	return cloneEntries(entries), true
}

// FindMatch fingerprints c and returns the first entry that matches it.
func (s *Store) FindMatch(entries []Entry, c fingerprint.Capture, registry *fingerprint.Registry) (Entry, bool) {
	if registry == nil {
		registry = s.registry
	}
	return MatchFingerprint(entries, registry.Generate(c), c.Hierarchy, registry)
}

// MatchFingerprint returns the first entry, in stored order, that matches an
// already computed fingerprint. Entries carrying neither a fingerprint nor a
// legacy structural hash match on their key alone. An empty stored
// fingerprint only matches an empty current one. Legacy entries are only
// considered when no fingerprinted entry matched, and require the hierarchy
// checksum to be equal.
func MatchFingerprint(entries []Entry, fp fingerprint.Fingerprint, hierarchy string, registry *fingerprint.Registry) (Entry, bool) {
	for _, e := range entries {
		if e.keyOnly() {
			return e.clone(), true
		}
		if e.legacy() {
			continue
		}
		if registry.Compare(fp, e.Fingerprint) {
			return e.clone(), true
		}
	}

	current, ok := fp[structural.Name]
	if !ok && hierarchy != "" {
		current, ok = structural.Sum(hierarchy), true
	}
	if !ok {
		return Entry{}, false
	}
	for _, e := range entries {
		if e.legacy() && e.UIHierarchyHash == current {
			return e.clone(), true
		}
	}
	return Entry{}, false
}

// Stage fingerprints c and buffers value under key.
func (s *Store) Stage(key string, value json.RawMessage, c fingerprint.Capture) {
	if !s.enabled {
		return
	}
	s.StageFingerprint(key, value, s.registry.Generate(c))
}

// StageFingerprint buffers value under key with a fingerprint computed from
// the capture the value was generated against. Disabled stores buffer nothing.
func (s *Store) StageFingerprint(key string, value json.RawMessage, fp fingerprint.Fingerprint) {
	if !s.enabled {
		return
	}

	if fp == nil {
		fp = fingerprint.Fingerprint{}
	}
	e := Entry{
		Value:        append(json.RawMessage(nil), value...),
		Fingerprint:  fp.Clone(),
		CreationTime: s.now().UnixMilli(),
	}
	if h, ok := fp[structural.Name]; ok {
		e.UIHierarchyHash = h
	}

	s.mu.Lock()
	s.temporary[key] = append(s.temporary[key], e)
	s.mu.Unlock()

	s.metrics.RecordStage()
}

// Pending returns the number of buffered entries.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entries := range s.temporary {
		n += len(entries)
	}
	return n
}

// Clear drops the temporary buffer. The persistent layer and file are untouched.
func (s *Store) Clear() {
	s.mu.Lock()
	s.temporary = layer{}
	s.mu.Unlock()
}

// Flush appends buffered entries after the persisted ones of the same key,
// writes the whole persistent layer to disk and empties the buffer. Flushing
// an empty buffer writes nothing. Write failures are logged, never returned;
// the result only reports whether the file was written.
func (s *Store) Flush() bool {
	if !s.enabled {
		return false
	}

	start := time.Now()
	err := s.queue.Execute(func() error {
		s.mu.Lock()
		if len(s.temporary) == 0 {
			s.mu.Unlock()
			return errNothingToFlush
		}
		for key, entries := range s.temporary {
			s.persistent[key] = append(s.persistent[key], entries...)
		}
		s.temporary = layer{}
		data, err := encodeLayer(s.persistent)
		s.mu.Unlock()

		if err != nil {
			return err
		}
		return writeFileAtomic(s.fs, s.path, data)
	})
	if errors.Is(err, errNothingToFlush) {
		return false
	}

	s.metrics.RecordFlush(time.Since(start), err)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache flush failed, file not updated")
		return false
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("cache flushed")
	return true
}

// Keys returns the persisted keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.persistent))
	for k := range s.persistent {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close stops the file watcher, if any. Buffered entries are not flushed.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
