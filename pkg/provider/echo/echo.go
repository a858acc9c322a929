// Package echo is a stateless provider that answers every prompt with the
// prompt itself. It is meant for smoke runs of the supervisor stack.
package echo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/turnguard/pkg/provider"
)

type Provider struct {
	// Delay is slept before answering; zero answers immediately.
	Delay  time.Duration
	Prefix string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(delay time.Duration) *Provider {
	return &Provider{Delay: delay, Prefix: "echo: "}
}

func Factory(delay time.Duration) provider.Factory {
	return func(string) (provider.Provider, error) { return New(delay), nil }
}

func (p *Provider) IsAvailable() bool { return true }

func (p *Provider) Query(ctx context.Context, prompt string, emit func(provider.ContentBlock) error) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-qctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return provider.ErrAborted
		}
	}
	return emit(provider.TextBlock(p.Prefix + strings.TrimSpace(prompt)))
}

func (p *Provider) Abort() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
