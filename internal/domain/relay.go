package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// Relay publishes unpublished domain events to kafka and stamps published_at.
type Relay struct {
	db        *bun.DB
	publisher Publisher
	topic     string
	batch     int
	log       *logger.Logger
}

func NewRelay(db *bun.DB, publisher Publisher, topic string, batch int, log *logger.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{db: db, publisher: publisher, topic: topic, batch: batch, log: log}
}

// RelayOnce publishes one batch. Events are stamped only after kafka accepts
// them, so a crash in between republishes rather than loses them.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var events []models.DomainEvent
		q := tx.NewSelect().Model(&events).
			Where("published_at IS NULL").
			OrderExpr("created_at ASC").
			Limit(r.batch)
		if err := database.SkipLocked(tx, q).Scan(ctx); err != nil {
			return err
		}

		for i := range events {
			value, err := json.Marshal(&events[i])
			if err != nil {
				return err
			}
			key := ""
			if events[i].MainID != nil {
				key = events[i].MainID.String()
			}
			if err := r.publisher.Publish(ctx, r.topic, key, value); err != nil {
				r.log.Error("RELAY", fmt.Sprintf("Failed to publish event %s: %v", events[i].ID, err))
				// Keep what already went out; the rest is retried next round.
				if published > 0 {
					return r.stamp(ctx, tx, events[:published])
				}
				return err
			}
			published++
		}
		return r.stamp(ctx, tx, events)
	})
	if err != nil {
		return published, fmt.Errorf("failed to relay domain events: %w", err)
	}
	if published > 0 {
		metrics.EventsRelayed(published)
		r.log.LogKafka("RELAY", r.topic, fmt.Sprintf("published %d domain events", published))
	}
	return published, nil
}

func (r *Relay) stamp(ctx context.Context, tx bun.Tx, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]interface{}, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	_, err := tx.NewUpdate().Model((*models.DomainEvent)(nil)).
		Set("published_at = ?", utils.Now()).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RelayOnce(ctx); err != nil {
			r.log.Error("RELAY", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
