package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/cache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/config"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

const testCachePath = "/app/.stepcache/harness.json"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubGenerator records every input and replays scripted responses.
type stubGenerator struct {
	mu      sync.Mutex
	inputs  []ports.GenerationInput
	respond func(in ports.GenerationInput) (json.RawMessage, error)
}

func (g *stubGenerator) Generate(ctx context.Context, in ports.GenerationInput) (json.RawMessage, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, in)
	g.mu.Unlock()
	if g.respond != nil {
		return g.respond(in)
	}
	return json.Marshal(StepCode{Code: fmt.Sprintf("run(%q)", in.Identifier)})
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

// stubCapturer returns the same capture on every call.
type stubCapturer struct {
	capture fingerprint.Capture
	err     error
	count   int
}

func (c *stubCapturer) Capture(ctx context.Context) (fingerprint.Capture, error) {
	c.count++
	return c.capture, c.err
}

// stubRunner records executed code.
type stubRunner struct {
	ran    []string
	failOn string
}

func (r *stubRunner) Run(ctx context.Context, code string) error {
	r.ran = append(r.ran, code)
	if r.failOn != "" && code == r.failOn {
		return errors.New("element not found")
	}
	return nil
}

// splitScreen renders a 64px screen, black on the left and white on the
// right, with `altered` 4px blocks of the left half painted white.
func splitScreen(t *testing.T, altered int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	draw.Draw(img, image.Rect(0, 0, 32, 64), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(32, 0, 64, 64), image.NewUniform(color.White), image.Point{}, draw.Src)
	for i := 0; i < altered; i++ {
		x, y := (i%8)*4, (i/8)*4
		draw.Draw(img, image.Rect(x, y, x+4, y+4), image.NewUniform(color.White), image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testRegistry(t *testing.T) *fingerprint.Registry {
	t.Helper()
	r, err := DefaultRegistry(config.FingerprintConfig{})
	require.NoError(t, err)
	return r
}

func newTestStore(t *testing.T, fs afero.Fs, cfg config.CacheConfig) *cache.Store {
	t.Helper()
	s := cache.New(cfg, testRegistry(t),
		cache.WithFs(fs),
		cache.WithPath(testCachePath),
		cache.WithMetrics(cache.NewMetrics()),
	)
	t.Cleanup(func() { s.Close() })
	return s
}

func enabled() config.CacheConfig {
	return config.CacheConfig{Enabled: true, ValidateSchema: true}
}

func newTestOrchestrator(store *cache.Store, gen ports.Generator, capt ports.Capturer) *Orchestrator {
	return NewOrchestrator(store, gen, capt, nil, nil, DefaultPolicy(), zerolog.Nop())
}

// seed writes a persisted layer holding entries under key.
func seed(t *testing.T, fs afero.Fs, key string, entries ...cache.Entry) {
	t.Helper()
	data, err := json.Marshal(map[string][]cache.Entry{key: entries})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, testCachePath, data, 0o644))
}

func TestOrchestrator_ColdCacheGeneratesAndStages(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newTestStore(t, fs, enabled())
	gen := &stubGenerator{}
	capt := &stubCapturer{capture: fingerprint.Capture{Screenshot: splitScreen(t, 0), Hierarchy: "<login/>"}}
	o := newTestOrchestrator(store, gen, capt)

	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, 1, store.Pending())

	// Nothing is persisted until the session flushes.
	_, ok := store.Lookup(res.Key)
	assert.False(t, ok)

	store.Flush()
	entries, ok := store.Lookup(res.Key)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"code":"run(\"tap login\")"}`, string(entries[0].Value))
	assert.Contains(t, entries[0].Fingerprint, "perceptual")
	assert.Contains(t, entries[0].Fingerprint, "structural")
	assert.NotEmpty(t, entries[0].UIHierarchyHash)

	summary := store.Metrics().Summary()
	assert.Equal(t, int64(1), summary.Lookups)
	assert.Equal(t, int64(1), summary.Misses)
	assert.Equal(t, int64(1), summary.Generations)
}

func TestOrchestrator_PerceptualHitSkipsGenerator(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := testRegistry(t)

	// Stored against a slightly different rendering and a different DOM, so
	// only the perceptual hash can match.
	stored := fingerprint.Capture{Screenshot: splitScreen(t, 5), Hierarchy: "<login v1/>"}
	key, err := cache.CanonicalKey("tap login", []KeyStep{})
	require.NoError(t, err)
	seed(t, fs, key, cache.Entry{
		Value:        json.RawMessage(`{"code":"cached()"}`),
		Fingerprint:  registry.Generate(stored),
		CreationTime: 1,
	})

	store := newTestStore(t, fs, enabled())
	gen := &stubGenerator{}
	current := fingerprint.Capture{Screenshot: splitScreen(t, 0), Hierarchy: "<login v2/>"}
	o := newTestOrchestrator(store, gen, &stubCapturer{capture: current})

	code, res, err := ResolveAs[StepCode](context.Background(), o, &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "cached()", code.Code)
	assert.Equal(t, key, res.Key)
	assert.Equal(t, 0, gen.calls(), "generator must not be invoked on a hit")
	assert.Equal(t, 0, store.Pending())
	assert.Equal(t, int64(1), store.Metrics().Summary().Hits)
}

func TestOrchestrator_DifferentScreenMisses(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := testRegistry(t)

	stored := fingerprint.Capture{Screenshot: splitScreen(t, 32), Hierarchy: "<settings/>"}
	key, err := cache.CanonicalKey("tap login", []KeyStep{})
	require.NoError(t, err)
	seed(t, fs, key, cache.Entry{
		Value:        json.RawMessage(`{"code":"cached()"}`),
		Fingerprint:  registry.Generate(stored),
		CreationTime: 1,
	})

	store := newTestStore(t, fs, enabled())
	gen := &stubGenerator{}
	current := fingerprint.Capture{Screenshot: splitScreen(t, 0), Hierarchy: "<login/>"}
	o := newTestOrchestrator(store, gen, &stubCapturer{capture: current})

	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, gen.calls())

	store.Flush()
	entries, _ := store.Lookup(key)
	assert.Len(t, entries, 2, "new entry appended after the stale one")
}

func TestOrchestrator_RetryAccumulatesErrorRecords(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	failures := 0
	gen := &stubGenerator{respond: func(in ports.GenerationInput) (json.RawMessage, error) {
		if failures < 2 {
			failures++
			return nil, fmt.Errorf("model timeout %d", failures)
		}
		return json.RawMessage(`{"code":"ok()"}`), nil
	}}
	capt := &stubCapturer{capture: fingerprint.Capture{Hierarchy: "<root/>"}}
	o := newTestOrchestrator(store, gen, capt)

	prior := []ports.PriorStep{{Step: "open app"}}
	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login", Previous: prior})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, capt.count, "screen is recaptured for every attempt")

	require.Equal(t, 3, gen.calls())
	assert.Equal(t, prior, gen.inputs[0].Previous)
	assert.Equal(t, []ports.PriorStep{
		{Step: "open app"},
		{Error: "model timeout 1"},
	}, gen.inputs[1].Previous)
	assert.Equal(t, []ports.PriorStep{
		{Step: "open app"},
		{Error: "model timeout 1"},
		{Error: "model timeout 2"},
	}, gen.inputs[2].Previous)
	assert.Equal(t, 3, gen.inputs[2].Attempt)

	// The value is staged under the key of the history that produced it.
	wantKey, _ := cache.CanonicalKey("tap login", []KeyStep{
		{Step: "open app"},
		{Error: "model timeout 1"},
		{Error: "model timeout 2"},
	})
	assert.Equal(t, wantKey, res.Key)
	assert.Len(t, res.Previous, 3)

	// Caller's slice is untouched.
	assert.Len(t, prior, 1)
}

func TestOrchestrator_AttemptsExhausted(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	cause := errors.New("quota exceeded")
	gen := &stubGenerator{respond: func(ports.GenerationInput) (json.RawMessage, error) { return nil, cause }}
	o := newTestOrchestrator(store, gen, nil)

	_, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, gen.calls())
	assert.Equal(t, 0, store.Pending())
	assert.Equal(t, int64(3), store.Metrics().Summary().GenerationFailures)
}

func TestOrchestrator_RequestPolicyOverridesDefault(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	gen := &stubGenerator{respond: func(ports.GenerationInput) (json.RawMessage, error) {
		return nil, errors.New("nope")
	}}
	o := newTestOrchestrator(store, gen, nil)

	_, err := o.Resolve(context.Background(), &Request{Identifier: "x", Policy: &Policy{MaxAttempts: 1}})
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 1, gen.calls())
}

func TestOrchestrator_ContextCanceledDuringBackoff(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &stubGenerator{respond: func(ports.GenerationInput) (json.RawMessage, error) {
		cancel()
		return nil, errors.New("transient")
	}}
	o := NewOrchestrator(store, gen, nil, nil, nil, &Policy{MaxAttempts: 3, RetryBackoff: time.Hour}, zerolog.Nop())

	_, err := o.Resolve(ctx, &Request{Identifier: "tap login"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 1, gen.calls())
}

func TestOrchestrator_DisabledCacheAlwaysGenerates(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newTestStore(t, fs, config.CacheConfig{Enabled: false})
	gen := &stubGenerator{}
	o := newTestOrchestrator(store, gen, &stubCapturer{capture: fingerprint.Capture{Hierarchy: "<root/>"}})

	for i := 0; i < 2; i++ {
		res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Empty(t, res.Key)
		store.Flush()
	}
	assert.Equal(t, 2, gen.calls())

	exists, _ := afero.Exists(fs, testCachePath)
	assert.False(t, exists)
}

func TestOrchestrator_OverrideRegeneratesAndRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, _ := cache.CanonicalKey("tap login", []KeyStep{})
	seed(t, fs, key, cache.Entry{Value: json.RawMessage(`{"code":"old()"}`), CreationTime: 1})

	cfg := enabled()
	cfg.Override = true
	store := newTestStore(t, fs, cfg)
	gen := &stubGenerator{}
	o := newTestOrchestrator(store, gen, nil)

	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, gen.calls())

	store.Flush()
	reader := newTestStore(t, fs, enabled())
	entries, ok := reader.Lookup(key)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestOrchestrator_CaptureFailureFallsBackToKeyOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, _ := cache.CanonicalKey("tap login", []KeyStep{})
	seed(t, fs, key, cache.Entry{Value: json.RawMessage(`{"code":"any()"}`), CreationTime: 1})

	store := newTestStore(t, fs, enabled())
	gen := &stubGenerator{}
	var logs bytes.Buffer
	o := NewOrchestrator(store, gen, &stubCapturer{err: errors.New("browser gone")}, nil, nil, nil, zerolog.New(&logs))

	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, 0, gen.calls())
	assert.Contains(t, logs.String(), "screen capture failed")
}

func TestOrchestrator_CaptureFailureDoesNotMatchLaterScreens(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newTestStore(t, fs, enabled())
	o := newTestOrchestrator(store, &stubGenerator{}, &stubCapturer{err: errors.New("browser gone")})

	_, err := o.Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	require.True(t, store.Flush())

	gen := &stubGenerator{}
	capt := &stubCapturer{capture: fingerprint.Capture{Screenshot: splitScreen(t, 32), Hierarchy: "<settings/>"}}
	res, err := newTestOrchestrator(newTestStore(t, fs, enabled()), gen, capt).
		Resolve(context.Background(), &Request{Identifier: "tap login"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, gen.calls())
}

func TestOrchestrator_InvalidValuesCountAsFailures(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	responses := []string{`not json`, `{"code":""}`, `{"code":"ok()"}`}
	gen := &stubGenerator{respond: func(in ports.GenerationInput) (json.RawMessage, error) {
		return json.RawMessage(responses[in.Attempt-1]), nil
	}}
	o := newTestOrchestrator(store, gen, nil)

	res, err := o.Resolve(context.Background(), &Request{Identifier: "tap", Validate: validateStepCode})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, store.Pending(), "rejected values are never staged")
}

func TestResolveAs_DecodeError(t *testing.T) {
	store := newTestStore(t, afero.NewMemMapFs(), enabled())
	gen := &stubGenerator{respond: func(ports.GenerationInput) (json.RawMessage, error) {
		return json.RawMessage(`"just a string"`), nil
	}}
	o := newTestOrchestrator(store, gen, nil)

	_, res, err := ResolveAs[StepCode](context.Background(), o, &Request{Identifier: "tap"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.FromCache)
}

func TestProjectPriorStep(t *testing.T) {
	assert.Equal(t, KeyStep{Step: "tap", HasReview: true}, ProjectPriorStep(ports.PriorStep{Step: "tap", Review: "looks fine"}))
	assert.Equal(t, KeyStep{Error: "boom"}, ProjectPriorStep(ports.PriorStep{Error: "boom"}))
}

// countingLimiter records acquisitions and can refuse them.
type countingLimiter struct {
	acquired int
	refuse   error
}

func (l *countingLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	if l.refuse != nil {
		return nil, l.refuse
	}
	l.acquired++
	return func() {}, nil
}

func TestOrchestrator_GeneratorCallsAreRateLimited(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, _ := cache.CanonicalKey("cached", []KeyStep{})
	seed(t, fs, key, cache.Entry{Value: json.RawMessage(`{"code":"c()"}`), CreationTime: 1})
	store := newTestStore(t, fs, enabled())

	limiter := &countingLimiter{}
	o := NewOrchestrator(store, &stubGenerator{}, nil, limiter, nil, nil, zerolog.Nop())

	_, err := o.Resolve(context.Background(), &Request{Identifier: "cached"})
	require.NoError(t, err)
	assert.Equal(t, 0, limiter.acquired, "cache hits do not spend tokens")

	_, err = o.Resolve(context.Background(), &Request{Identifier: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.acquired)

	limiter.refuse = errors.New("quota")
	gen := &stubGenerator{}
	o = NewOrchestrator(store, gen, nil, limiter, nil, nil, zerolog.Nop())
	_, err = o.Resolve(context.Background(), &Request{Identifier: "fresh again"})
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 0, gen.calls())
}
