package harness

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/cache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/config"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint/phash"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint/structural"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

const maxAttemptsCeiling = 10

// DefaultRegistry builds a registry with the algorithms named in cfg, in
// order. An empty list registers the perceptual then the structural hash.
func DefaultRegistry(cfg config.FingerprintConfig) (*fingerprint.Registry, error) {
	names := cfg.Algorithms
	if len(names) == 0 {
		names = []string{phash.Name, structural.Name}
	}

	r := fingerprint.NewRegistry()
	for _, name := range names {
		var algo fingerprint.Algorithm
		switch name {
		case phash.Name:
			algo = phash.New(cfg.GridSize, cfg.Tolerance)
		case structural.Name:
			algo = structural.New()
		default:
			return nil, fmt.Errorf("unknown fingerprint algorithm %q", name)
		}
		if err := r.Register(name, algo); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRegistry creates the fingerprint registry from config.
func (f *Factory) CreateRegistry() (*fingerprint.Registry, error) {
	return DefaultRegistry(f.cfg.Fingerprint)
}

// CreateStore creates a store for the configured scope. Extra options are
// applied after the ones derived from config.
func (f *Factory) CreateStore(registry *fingerprint.Registry, opts ...cache.Option) *cache.Store {
	base := []cache.Option{
		cache.WithLogger(f.logger),
		cache.WithMetrics(cache.NewMetrics()),
	}
	return cache.New(f.cfg.Cache, registry, append(base, opts...)...)
}

// CreateRateLimiter creates a rate limiter adapter from config.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefill)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	policy := &Policy{
		MaxAttempts:  f.cfg.Harness.MaxAttempts,
		RetryBackoff: f.cfg.Harness.RetryBackoff,
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = internal.DefaultMaxAttempts
		f.logger.Warn().Int("max_attempts", f.cfg.Harness.MaxAttempts).Msg("MaxAttempts not set, using default")
	}
	if policy.MaxAttempts > maxAttemptsCeiling {
		policy.MaxAttempts = maxAttemptsCeiling
		f.logger.Warn().Int("max_attempts", f.cfg.Harness.MaxAttempts).Msg("MaxAttempts clamped to maximum of 10")
	}
	if policy.RetryBackoff < 0 {
		policy.RetryBackoff = 0
	}

	return policy
}

// CreateOrchestrator creates a fully wired Orchestrator from config. The
// generator and capturer are environment specific and must be injected.
func (f *Factory) CreateOrchestrator(generator ports.Generator, capturer ports.Capturer, opts ...cache.Option) (*Orchestrator, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	registry, err := f.CreateRegistry()
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	store := f.CreateStore(registry, opts...)

	return NewOrchestrator(store, generator, capturer, f.CreateRateLimiter(), f.CreateTracer(), f.CreatePolicy(), f.logger), nil
}

// CreateStepExecutor wires an executor on top of a new orchestrator.
func (f *Factory) CreateStepExecutor(generator ports.Generator, capturer ports.Capturer, runner ports.Runner, opts ...cache.Option) (*StepExecutor, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	o, err := f.CreateOrchestrator(generator, capturer, opts...)
	if err != nil {
		return nil, err
	}
	return NewStepExecutor(o, runner, f.cfg.Harness.FlushOnFailure), nil
}

// CreatePlanner wires a planner on top of a new orchestrator.
func (f *Factory) CreatePlanner(generator ports.Generator, capturer ports.Capturer, opts ...cache.Option) (*Planner, error) {
	o, err := f.CreateOrchestrator(generator, capturer, opts...)
	if err != nil {
		return nil, err
	}
	return NewPlanner(o), nil
}

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var (
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
)
