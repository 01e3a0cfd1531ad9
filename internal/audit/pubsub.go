package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"bi-gateway/internal/domain"
)

// PubSubEmitter publishes audit events as JSON messages. Publishing is
// asynchronous; Close waits for outstanding results.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewPubSubEmitter connects to projectID and publishes to topicID.
func NewPubSubEmitter(ctx context.Context, projectID, topicID string, logger *slog.Logger, opts ...option.ClientOption) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	topic.PublishSettings.DelayThreshold = 50 * time.Millisecond
	return &PubSubEmitter{client: client, topic: topic, logger: logger}, nil
}

// Emit implements domain.AuditEmitter.
func (e *PubSubEmitter) Emit(ctx context.Context, ev domain.AuditEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("marshal audit event", "request_id", ev.RequestID, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	res := e.topic.Publish(ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"action":    ev.Action,
			"status":    ev.Status,
			"caller_id": ev.CallerID,
		},
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := res.Get(ctx); err != nil {
			e.logger.Error("publish audit event", "request_id", ev.RequestID, "error", err)
		}
	}()
}

// Close flushes pending messages and closes the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	e.wg.Wait()
	return e.client.Close()
}

var _ domain.AuditEmitter = (*PubSubEmitter)(nil)
