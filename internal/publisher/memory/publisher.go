// Package memory records published payloads for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher keeps every payload it is given.
type Publisher struct {
	mu       sync.RWMutex
	payloads []any
	// Err, when set, fails every publish.
	Err error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("memory-%d", len(p.payloads)), nil
}

// Payloads returns a copy of the recorded payloads.
func (p *Publisher) Payloads() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]any(nil), p.payloads...)
}
