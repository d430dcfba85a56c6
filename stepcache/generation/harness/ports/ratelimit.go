package harnessports

import "context"

// RateLimiter paces calls to the generator.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
