package caption

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/glimpse/internal/inference"
)

// DefaultExampleURLs are the sample images offered by the web UI.
var DefaultExampleURLs = []string{
	"https://images.unsplash.com/photo-1541963463532-d68292c34b19?w=400",
	"https://images.unsplash.com/photo-1507003211169-0a1dd7228f2d?w=400",
	"https://images.unsplash.com/photo-1575936123452-b67c3203c357?w=400",
}

// Example is a sample URL with its caption once warmed.
type Example struct {
	URL     string
	Caption string
	Ready   bool
}

type exampleSet struct {
	mu    sync.RWMutex
	items []Example
}

func (s *exampleSet) reset(urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]Example, len(urls))
	for i, u := range urls {
		s.items[i] = Example{URL: u}
	}
}

func (s *exampleSet) set(i int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < len(s.items) {
		s.items[i].Caption = text
		s.items[i].Ready = true
	}
}

func (s *exampleSet) list() []Example {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Example(nil), s.items...)
}

// Warm registers urls as the example set and captions them with at most
// Workers concurrent requests. Failures are logged and leave the example
// unwarmed; only cancellation is returned.
func (c *Captioner) Warm(ctx context.Context, urls []string, opts inference.Options) error {
	c.examples.reset(urls)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, u := range urls {
		g.Go(func() error {
			res := c.CaptionURL(gctx, u, opts)
			if !res.OK() {
				if res.Failure.Reason == ReasonCanceled {
					return res.Failure
				}
				c.log.Warn("example caption failed", "url", u, "reason", res.Failure.Reason, "error", res.Failure.Err)
				return nil
			}
			c.examples.set(i, res.Caption)
			c.log.Debug("example warmed", "url", u, "caption", res.Caption)
			return nil
		})
	}
	return g.Wait()
}

// Examples returns a snapshot of the example set.
func (c *Captioner) Examples() []Example {
	return c.examples.list()
}

// SetExamples registers urls without captioning them.
func (c *Captioner) SetExamples(urls []string) {
	c.examples.reset(urls)
}
