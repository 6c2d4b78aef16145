// Package pubsub implements a Google Cloud Pub/Sub revision publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/wikivault/wikivault/internal/wiki"
)

// Publisher sends revision events to a Pub/Sub topic as JSON.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the event to JSON and publishes it, returning the
// server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, event wiki.RevisionEvent) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal revision event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"page_id":   event.PageID,
			"namespace": event.Namespace,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish revision event: %w", err)
	}
	return id, nil
}

// Stop flushes outstanding publishes.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
