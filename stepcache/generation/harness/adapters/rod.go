package adapters

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

// RodCapturer captures a browser page: a viewport screenshot for the
// perceptual hash and the serialized DOM as the UI hierarchy.
type RodCapturer struct {
	page *rod.Page
}

func NewRodCapturer(page *rod.Page) *RodCapturer {
	return &RodCapturer{page: page}
}

// Capture returns whatever parts of the screen state could be read. It only
// fails when neither the screenshot nor the DOM is available.
func (c *RodCapturer) Capture(ctx context.Context) (fingerprint.Capture, error) {
	page := c.page.Context(ctx)

	var out fingerprint.Capture
	shot, shotErr := page.Screenshot(false, nil)
	if shotErr == nil {
		out.Screenshot = shot
	}
	html, htmlErr := page.HTML()
	if htmlErr == nil {
		out.Hierarchy = html
	}

	if shotErr != nil && htmlErr != nil {
		return fingerprint.Capture{}, fmt.Errorf("capture page: screenshot: %v; html: %w", shotErr, htmlErr)
	}
	return out, nil
}

// RodRunner evaluates generated JavaScript step code in a page. Code must be
// a function expression, e.g. "() => document.querySelector('#go').click()".
type RodRunner struct {
	page *rod.Page
}

func NewRodRunner(page *rod.Page) *RodRunner {
	return &RodRunner{page: page}
}

func (r *RodRunner) Run(ctx context.Context, code string) error {
	if _, err := r.page.Context(ctx).Eval(code); err != nil {
		return fmt.Errorf("evaluate step code: %w", err)
	}
	return nil
}

var (
	_ ports.Capturer = (*RodCapturer)(nil)
	_ ports.Runner   = (*RodRunner)(nil)
)
