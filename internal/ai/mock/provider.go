// Package mock provides a deterministic ai.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"classwatch/internal/ai"
)

// Provider implements ai.Provider with canned responses and call recording.
type Provider struct {
	mu    sync.Mutex
	calls []ai.GenerateRequest

	// Text returned on success. ResultsByURI overrides Text for requests
	// whose first media URI matches; ErrsByURI fails those requests instead.
	// Delay holds each generation in flight before it returns.
	Text         string
	ResultsByURI map[string]string
	ErrsByURI    map[string]error
	Usage        ai.Usage
	Err          error
	Delay        time.Duration
}

func NewProvider() *Provider {
	return &Provider{
		Text:  "mock analysis result",
		Usage: ai.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Generate(_ context.Context, req ai.GenerateRequest) (ai.GenerateResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}

	if req.Prompt == "" {
		return ai.GenerateResult{}, ai.ErrEmptyPrompt
	}
	if p.Err != nil {
		return ai.GenerateResult{}, p.Err
	}

	text := p.Text
	if len(req.MediaURIs) > 0 {
		if err, ok := p.ErrsByURI[req.MediaURIs[0]]; ok {
			return ai.GenerateResult{}, err
		}
		if override, ok := p.ResultsByURI[req.MediaURIs[0]]; ok {
			text = override
		}
	}

	return ai.GenerateResult{Text: text, Usage: p.Usage}, nil
}

// Calls returns a copy of every request seen so far.
func (p *Provider) Calls() []ai.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ai.GenerateRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many generations were requested.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var _ ai.Provider = (*Provider)(nil)
