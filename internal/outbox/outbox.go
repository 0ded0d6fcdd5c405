// Package outbox stages bus events inside the same store transaction as
// the state change they describe. The relay worker publishes them later.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rewardledger/internal/model"
	"rewardledger/internal/repository"
)

// Event describes one message to stage.
type Event struct {
	Topic      string
	EntityType string
	EntityID   string
	Payload    any
}

// Enqueue wraps ev in an Envelope and writes it to the outbox through tx.
func Enqueue(ctx context.Context, tx repository.Tx, ev Event, now time.Time) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Topic, err)
	}
	id := uuid.NewString()
	envelope, err := json.Marshal(model.Envelope{
		EventID:       id,
		EventType:     ev.Topic,
		SourceService: model.ServiceName,
		OccurredAtUTC: now.UTC(),
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", ev.Topic, err)
	}
	return tx.EnqueueOutbox(ctx, model.OutboxMessage{
		ID:        id,
		Topic:     ev.Topic,
		Payload:   envelope,
		Status:    model.OutboxPending,
		CreatedAt: now.UTC(),
	})
}
