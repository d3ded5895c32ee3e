package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// Executor runs one action. A returned error schedules a retry.
type Executor interface {
	Execute(ctx context.Context, action *models.DomainAction) error
}

type ExecutorFunc func(ctx context.Context, action *models.DomainAction) error

func (f ExecutorFunc) Execute(ctx context.Context, action *models.DomainAction) error {
	return f(ctx, action)
}

// Worker claims due actions, leases them via blocked_until and records the outcome.
type Worker struct {
	db        *bun.DB
	log       *logger.Logger
	executors map[models.DomainActionType]Executor
	now       utils.Clock
	batch     int
	lease     time.Duration
	backoff   func(attempt int64) time.Duration
	nudge     chan struct{}
	mu        sync.RWMutex
}

func NewWorker(db *bun.DB, log *logger.Logger) *Worker {
	return &Worker{
		db:        db,
		log:       log,
		executors: map[models.DomainActionType]Executor{},
		now:       utils.Now,
		batch:     20,
		lease:     5 * time.Minute,
		backoff:   ExponentialBackoff,
		nudge:     make(chan struct{}, 1),
	}
}

// WithClock overrides the worker clock.
func (w *Worker) WithClock(c utils.Clock) *Worker {
	w.now = c
	return w
}

func (w *Worker) Register(actionType models.DomainActionType, e Executor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executors[actionType] = e
}

// ExponentialBackoff doubles from 5s and caps at one hour.
func ExponentialBackoff(attempt int64) time.Duration {
	d := 5 * time.Second
	for i := int64(1); i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Nudge wakes Run early. Extra nudges coalesce.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run drains the queue every poll interval, or sooner when nudged, until ctx ends.
func (w *Worker) Run(ctx context.Context, poll time.Duration) {
	w.log.Info("WORKER", fmt.Sprintf("Domain action worker started (poll %s)", poll))
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error("WORKER", fmt.Sprintf("Domain action batch failed: %v", err))
				break
			}
			if n < w.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info("WORKER", "Domain action worker stopped")
			return
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

// RunOnce claims and executes one batch, returning how many were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	actions, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	for i := range actions {
		w.execute(ctx, &actions[i])
	}
	return len(actions), nil
}

func (w *Worker) claim(ctx context.Context) ([]models.DomainAction, error) {
	now := w.now()
	var claimed []models.DomainAction

	err := w.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var expired []models.DomainAction
		q := tx.NewSelect().Model(&expired).
			Where("status = ?", models.DomainActionStatusPending).
			Where("expires_at <= ?", now).
			Limit(w.batch)
		if err := database.SkipLocked(tx, q).Scan(ctx); err != nil {
			return err
		}
		for i := range expired {
			msg := "expired before it could run"
			expired[i].Status = models.DomainActionStatusCancelled
			expired[i].LastError = &msg
			expired[i].UpdatedAt = now
			if _, err := tx.NewUpdate().Model(&expired[i]).Column("status", "last_error", "updated_at").WherePK().Exec(ctx); err != nil {
				return err
			}
		}

		q = tx.NewSelect().Model(&claimed).
			Where("status = ?", models.DomainActionStatusPending).
			Where("scheduled_at <= ?", now).
			Where("blocked_until <= ?", now).
			Where("expires_at > ?", now).
			OrderExpr("scheduled_at ASC").
			Limit(w.batch)
		if err := database.SkipLocked(tx, q).Scan(ctx); err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].AttemptCount++
			claimed[i].LastAttemptedAt = &now
			claimed[i].BlockedUntil = now.Add(w.lease)
			claimed[i].UpdatedAt = now
			_, err := tx.NewUpdate().Model(&claimed[i]).
				Column("attempt_count", "last_attempted_at", "blocked_until", "updated_at").
				WherePK().
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim domain actions: %w", err)
	}
	return claimed, nil
}

func (w *Worker) execute(ctx context.Context, action *models.DomainAction) {
	w.mu.RLock()
	executor, ok := w.executors[action.ActionType]
	w.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no executor registered for %s", action.ActionType)
	} else {
		runErr = executor.Execute(ctx, action)
	}

	now := w.now()
	action.UpdatedAt = now
	action.BlockedUntil = now
	switch {
	case runErr == nil:
		action.Status = models.DomainActionStatusSuccess
		action.LastError = nil
		metrics.DomainAction(string(action.ActionType), "success")
		w.log.Info("WORKER", fmt.Sprintf("Action %s (%s) succeeded", action.ID, action.ActionType))
	case action.AttemptCount >= action.MaxAttemptCount:
		msg := runErr.Error()
		action.Status = models.DomainActionStatusRetriesExceeded
		action.LastError = &msg
		metrics.DomainAction(string(action.ActionType), "retries_exceeded")
		w.log.Error("WORKER", fmt.Sprintf("Action %s (%s) gave up after %d attempts: %v", action.ID, action.ActionType, action.AttemptCount, runErr))
	default:
		msg := runErr.Error()
		action.Status = models.DomainActionStatusPending
		action.LastError = &msg
		action.ScheduledAt = now.Add(w.backoff(action.AttemptCount))
		metrics.DomainAction(string(action.ActionType), "retry")
		w.log.Warn("WORKER", fmt.Sprintf("Action %s (%s) failed, retrying at %s: %v", action.ID, action.ActionType, action.ScheduledAt.Format(time.RFC3339), runErr))
	}

	_, err := w.db.NewUpdate().Model(action).
		Column("status", "last_error", "scheduled_at", "blocked_until", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		w.log.Error("WORKER", fmt.Sprintf("Failed to record outcome of action %s: %v", action.ID, err))
	}
}
