// Package pubsub publishes run summaries to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher sends JSON payloads to one topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
}

// New connects with Application Default Credentials and checks that the
// topic exists.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := NewWithClient(ctx, client, topicID)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(ctx context.Context, client *pubsub.Client, topicID string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if topicID == "" {
		return nil, errors.New("topic id is required")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish marshals payload to JSON, publishes it and waits for the server
// to assign a message ID.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and releases the client if New created it.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
