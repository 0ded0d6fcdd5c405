package model

import (
	"encoding/json"
	"time"
)

const (
	ActionSessionStarted      = "session.started"
	ActionSessionCompleted    = "session.completed"
	ActionSessionRejected     = "session.rejected"
	ActionSessionExpired      = "session.expired"
	ActionLedgerAdjusted      = "ledger.adjusted"
	ActionReconcileFailed     = "ledger.reconciliation_failed"
	ActionWithdrawalRequested = "withdrawal.requested"
	ActionWithdrawalApproved  = "withdrawal.approved"
	ActionWithdrawalRejected  = "withdrawal.rejected"
	ActionWithdrawalPaid      = "withdrawal.paid"
	ActionAdUnitUpserted      = "catalog.ad_unit_upserted"
)

// AuditEntry is append-only and never read by business logic.
type AuditEntry struct {
	ID        string         `json:"id"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
)

const TopicTransactionCreated = "transactions.created"

type OutboxMessage struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Envelope is the shape of every message published to the bus.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SourceService string          `json:"source_service"`
	OccurredAtUTC time.Time       `json:"occurred_at_utc"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
}

const ServiceName = "rewardledger"
