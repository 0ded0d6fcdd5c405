package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rewardledger/internal/model"
	"rewardledger/internal/outbox"
	"rewardledger/internal/repository"
)

// TopicPrefix prefixes the bus topic of every audit event.
const TopicPrefix = "audit."

// Recorder appends audit entries inside the caller's atomic unit and
// stages a matching bus event. A failure fails the caller's operation.
type Recorder struct {
	logger *slog.Logger
}

func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Record writes one entry. An empty actorID records a system action.
func (r *Recorder) Record(ctx context.Context, tx repository.Tx, actorID, action string, metadata map[string]any, now time.Time) error {
	if action == "" {
		return model.ErrValidation.With("audit action is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}

	if err := tx.InsertAudit(ctx, entry); err != nil {
		return fmt.Errorf("insert audit %s: %w", action, err)
	}
	if err := outbox.Enqueue(ctx, tx, outbox.Event{
		Topic:      TopicPrefix + action,
		EntityType: "audit",
		EntityID:   entry.ID,
		Payload:    entry,
	}, now); err != nil {
		return fmt.Errorf("stage audit %s: %w", action, err)
	}

	r.logger.Debug("audit recorded", "event", action, "audit_id", entry.ID)
	return nil
}
