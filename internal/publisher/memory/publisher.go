// Package memory contains an in-memory revision publisher for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wikivault/wikivault/internal/wiki"
)

// Publisher stores published revision events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []wiki.RevisionEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event wiki.RevisionEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []wiki.RevisionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]wiki.RevisionEvent, len(p.events))
	copy(out, p.events)
	return out
}
