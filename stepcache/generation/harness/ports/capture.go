package harnessports

import (
	"context"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
)

// Capturer grabs the current screen state.
type Capturer interface {
	Capture(ctx context.Context) (fingerprint.Capture, error)
}

// Runner executes generated step code against the application under test.
type Runner interface {
	Run(ctx context.Context, code string) error
}
