package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PoolLedger/internal/event"
)

// OutboundPublisher publishes applied events to NATS for downstream
// consumers. Events are published after persistence is confirmed.
// Subjects follow the pattern: pool.ledger.events.{kind}.{pool_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is an applied event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64         `json:"sequence"`
	Kind           string        `json:"kind"`
	IdempotencyKey string        `json:"idempotency_key"`
	PoolID         *uint32       `json:"pool_id,omitempty"`
	Account        string        `json:"account"`
	Payload        event.Payload `json:"payload"`
	Timestamp      time.Time     `json:"timestamp"`
}

// FromEnvelope flattens a core envelope into the outbound wire form.
func FromEnvelope(env *event.Envelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		Kind:           env.Kind.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Account:        env.Account.Hex(),
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("pool.ledger.events.%s", evt.Kind)
	if evt.PoolID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *evt.PoolID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "POOL_LEDGER_EVENTS",
		Subjects:  []string{"pool.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream POOL_LEDGER_EVENTS")
	return nil
}
