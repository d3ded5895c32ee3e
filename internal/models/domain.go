package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DomainEvent is an append-only fact, written in the same transaction as the
// change it describes and relayed to kafka afterwards.
type DomainEvent struct {
	bun.BaseModel `bun:"table:domain_events"`

	ID          uuid.UUID              `bun:"id,pk,type:uuid" json:"id"`
	EventType   DomainEventType        `bun:"event_type,notnull" json:"event_type"`
	DisplayText string                 `bun:"display_text,notnull" json:"display_text"`
	MainTable   Table                  `bun:"main_table,notnull" json:"main_table"`
	MainID      *uuid.UUID             `bun:"main_id,type:uuid" json:"main_id"`
	UserID      *uuid.UUID             `bun:"user_id,type:uuid" json:"user_id"`
	EventData   map[string]interface{} `bun:"event_data,type:jsonb" json:"event_data,omitempty"`
	PublishedAt *time.Time             `bun:"published_at" json:"-"`
	CreatedAt   time.Time              `bun:"created_at,notnull" json:"created_at"`
}

// DomainAction is a durable, retryable unit of background work.
type DomainAction struct {
	bun.BaseModel `bun:"table:domain_actions"`

	ID              uuid.UUID              `bun:"id,pk,type:uuid" json:"id"`
	ActionType      DomainActionType       `bun:"domain_action_type,notnull" json:"domain_action_type"`
	MainTable       Table                  `bun:"main_table,notnull" json:"main_table"`
	MainTableID     *uuid.UUID             `bun:"main_table_id,type:uuid" json:"main_table_id"`
	Payload         map[string]interface{} `bun:"payload,type:jsonb" json:"payload"`
	Status          DomainActionStatus     `bun:"status,notnull" json:"status"`
	AttemptCount    int64                  `bun:"attempt_count,notnull" json:"attempt_count"`
	MaxAttemptCount int64                  `bun:"max_attempt_count,notnull" json:"max_attempt_count"`
	LastError       *string                `bun:"last_error" json:"last_error"`
	ScheduledAt     time.Time              `bun:"scheduled_at,notnull" json:"scheduled_at"`
	ExpiresAt       time.Time              `bun:"expires_at,notnull" json:"expires_at"`
	LastAttemptedAt *time.Time             `bun:"last_attempted_at" json:"last_attempted_at"`
	BlockedUntil    time.Time              `bun:"blocked_until,notnull" json:"blocked_until"`
	CreatedAt       time.Time              `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time              `bun:"updated_at,notnull" json:"updated_at"`
}
