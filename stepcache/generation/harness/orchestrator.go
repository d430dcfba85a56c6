package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/cache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

// ErrAttemptsExhausted is returned when every generation attempt failed. The
// error also wraps the last generator failure.
var ErrAttemptsExhausted = errors.New("generation attempts exhausted")

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts  int           // generator attempts per step
	RetryBackoff time.Duration // delay between failed attempts
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  internal.DefaultMaxAttempts,
		RetryBackoff: 0,
	}
}

// Request describes one step to resolve.
type Request struct {
	Identifier string
	Previous   []ports.PriorStep
	Policy     *Policy

	// Validate, if set, vets a freshly generated value before it is staged.
	// A rejection counts as a failed attempt.
	Validate func(json.RawMessage) error
}

// Result is the outcome of a successful resolution.
type Result struct {
	Value     json.RawMessage
	FromCache bool
	Attempts  int
	Key       string            // empty when the cache is disabled
	Previous  []ports.PriorStep // history used by the final attempt, error records included
}

// KeyStep is the part of a prior step that takes part in the cache key. The
// review payload collapses to a flag.
type KeyStep struct {
	Step      string `json:"step,omitempty"`
	HasReview bool   `json:"hasReview,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProjectPriorStep maps a prior step to its cache key form.
func ProjectPriorStep(p ports.PriorStep) KeyStep {
	return KeyStep{Step: p.Step, HasReview: p.Review != "", Error: p.Error}
}

// Orchestrator drives the generate-or-reuse protocol against a store.
type Orchestrator struct {
	store     *cache.Store
	generator ports.Generator
	capturer  ports.Capturer
	limiter   ports.RateLimiter
	tracer    ports.Tracer
	policy    *Policy
	logger    zerolog.Logger
}

// NewOrchestrator creates a new orchestrator with dependencies. capturer,
// limiter and tracer may be nil.
func NewOrchestrator(
	store *cache.Store,
	generator ports.Generator,
	capturer ports.Capturer,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	policy *Policy,
	logger zerolog.Logger,
) *Orchestrator {
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Orchestrator{
		store:     store,
		generator: generator,
		capturer:  capturer,
		limiter:   limiter,
		tracer:    tracer,
		policy:    policy,
		logger:    logger,
	}
}

// Store returns the store the orchestrator resolves against.
func (o *Orchestrator) Store() *cache.Store { return o.store }

// Resolve returns a value for req, reusing a cached entry whose fingerprint
// matches the current screen or generating and staging a new one. Each failed
// generation appends an error record to the history and retries against a
// fresh capture. Nothing is flushed here.
func (o *Orchestrator) Resolve(ctx context.Context, req *Request) (res *Result, err error) {
	policy := req.Policy
	if policy == nil {
		policy = o.policy
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	ctx, finish := o.tracer.StartSpan(ctx, "resolve", map[string]any{"identifier": req.Identifier})
	defer func() { finish(err) }()

	previous := append([]ports.PriorStep(nil), req.Previous...)
	metrics := o.store.Metrics()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolve %q: %w", req.Identifier, err)
		}

		capture := o.capture(ctx)
		var fp fingerprint.Fingerprint
		fingerprintOnce := func() fingerprint.Fingerprint {
			if fp == nil {
				fp = o.store.Registry().Generate(capture)
			}
			return fp
		}

		key, keyed := cache.DeriveKey(o.store, req.Identifier, previous, ProjectPriorStep)
		if keyed {
			if entry, ok := o.lookup(key, capture, fingerprintOnce); ok {
				metrics.RecordLookup(true)
				o.tracer.Event(ctx, "cache_hit", map[string]any{"attempt": attempt})
				return &Result{
					Value:     entry.Value,
					FromCache: true,
					Attempts:  attempt,
					Key:       key,
					Previous:  previous,
				}, nil
			}
			metrics.RecordLookup(false)
		}

		value, genErr := o.generate(ctx, req, ports.GenerationInput{
			Identifier: req.Identifier,
			Previous:   append([]ports.PriorStep(nil), previous...),
			Capture:    capture,
			Attempt:    attempt,
		})
		if genErr == nil {
			if keyed {
				o.store.StageFingerprint(key, value, fingerprintOnce())
			}
			o.tracer.Event(ctx, "generated", map[string]any{"attempt": attempt, "staged": keyed})
			return &Result{
				Value:    value,
				Attempts: attempt,
				Key:      key,
				Previous: previous,
			}, nil
		}

		lastErr = genErr
		o.tracer.Event(ctx, "generation_failed", map[string]any{"attempt": attempt, "error": genErr.Error()})
		if attempt == maxAttempts {
			break
		}
		previous = append(previous, ports.PriorStep{Error: genErr.Error()})

		if policy.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("resolve %q: %w", req.Identifier, ctx.Err())
			case <-time.After(policy.RetryBackoff):
			}
		}
	}

	return nil, fmt.Errorf("resolve %q: %w after %d attempts: %w", req.Identifier, ErrAttemptsExhausted, maxAttempts, lastErr)
}

func (o *Orchestrator) lookup(key string, capture fingerprint.Capture, fp func() fingerprint.Fingerprint) (cache.Entry, bool) {
	entries, ok := o.store.Lookup(key)
	if !ok {
		return cache.Entry{}, false
	}
	return cache.MatchFingerprint(entries, fp(), capture.Hierarchy, o.store.Registry())
}

func (o *Orchestrator) generate(ctx context.Context, req *Request, in ports.GenerationInput) (json.RawMessage, error) {
	release, err := o.limiter.Acquire(ctx, "generate")
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	start := time.Now()
	value, err := o.generator.Generate(ctx, in)
	if err == nil && !json.Valid(value) {
		err = fmt.Errorf("generator returned invalid JSON")
	}
	if err == nil && req.Validate != nil {
		if verr := req.Validate(value); verr != nil {
			err = fmt.Errorf("generated value rejected: %w", verr)
		}
	}
	o.store.Metrics().RecordGeneration(time.Since(start), err)
	return value, err
}

// capture degrades to an empty capture on failure, which limits matching to
// key-only entries.
func (o *Orchestrator) capture(ctx context.Context) fingerprint.Capture {
	if o.capturer == nil {
		return fingerprint.Capture{}
	}
	c, err := o.capturer.Capture(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("screen capture failed, matching on key only")
		return fingerprint.Capture{}
	}
	return c
}

// ResolveAs resolves req and decodes the value into T.
func ResolveAs[T any](ctx context.Context, o *Orchestrator, req *Request) (T, *Result, error) {
	var out T
	res, err := o.Resolve(ctx, req)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return out, res, fmt.Errorf("decode %q value: %w", req.Identifier, err)
	}
	return out, res, nil
}
