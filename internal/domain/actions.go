package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

const (
	defaultMaxAttempts = 10
	defaultActionTTL   = 7 * 24 * time.Hour
)

// Publisher is the slice of the kafka producer the domain layer needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

func NewAction(actionType models.DomainActionType, table models.Table, mainID *uuid.UUID, payload map[string]interface{}) *models.DomainAction {
	now := utils.Now()
	return &models.DomainAction{
		ID:              uuid.New(),
		ActionType:      actionType,
		MainTable:       table,
		MainTableID:     mainID,
		Payload:         payload,
		Status:          models.DomainActionStatusPending,
		MaxAttemptCount: defaultMaxAttempts,
		ScheduledAt:     now,
		ExpiresAt:       now.Add(defaultActionTTL),
		BlockedUntil:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Enqueue persists an action. It runs once the transaction in db commits.
func Enqueue(ctx context.Context, db bun.IDB, action *models.DomainAction) error {
	if _, err := db.NewInsert().Model(action).Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue domain action %s: %w", action.ActionType, err)
	}
	return nil
}

// ActionNotice is the kafka message that wakes idle workers.
type ActionNotice struct {
	ID         uuid.UUID               `json:"id"`
	ActionType models.DomainActionType `json:"domain_action_type"`
}

// Notifier tells workers a committed action is ready. It is optional; workers also poll.
type Notifier struct {
	Publisher Publisher
	Topic     string
}

func (n *Notifier) Notify(ctx context.Context, action *models.DomainAction) error {
	if n == nil || n.Publisher == nil {
		return nil
	}
	value, err := json.Marshal(ActionNotice{ID: action.ID, ActionType: action.ActionType})
	if err != nil {
		return err
	}
	return n.Publisher.Publish(ctx, n.Topic, action.ID.String(), value)
}
