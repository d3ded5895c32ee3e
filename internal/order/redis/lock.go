package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-ticket-commerce/internal/logger"
)

// ErrCheckoutInProgress is returned when another request holds the order's checkout lock.
var ErrCheckoutInProgress = errors.New("checkout already in progress for this order")

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards checkout across API processes. The database version check is
// what keeps orders consistent; the lock only stops a second tab from
// reaching the payment processor while the first is still talking to it.
type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
	// LockTTL bounds how long a crashed holder can block checkout.
	LockTTL time.Duration
}

func NewRedis(client *redis.Client, lockTTL time.Duration, log *logger.Logger) *Redis {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Redis{Client: client, Logger: log, LockTTL: lockTTL}
}

func checkoutKey(orderID uuid.UUID) string {
	return "checkout_lock:" + orderID.String()
}

func ipnKey(provider, reference, status string) string {
	return fmt.Sprintf("ipn_seen:%s:%s:%s", provider, reference, status)
}

// LockCheckout takes the order's checkout lock and returns the owner token
// needed to release it.
func (r *Redis) LockCheckout(ctx context.Context, orderID uuid.UUID) (string, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, checkoutKey(orderID), token, r.LockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis lock error: %w", err)
	}
	if !ok {
		r.Logger.Warn("REDIS", fmt.Sprintf("Checkout lock for order %s is held by another request", orderID))
		return "", ErrCheckoutInProgress
	}
	return token, nil
}

// UnlockCheckout releases the lock if token still owns it. A lock that
// expired and was taken by someone else is left alone.
func (r *Redis) UnlockCheckout(ctx context.Context, orderID uuid.UUID, token string) error {
	_, err := unlockScript.Run(ctx, r.Client, []string{checkoutKey(orderID)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock error: %w", err)
	}
	return nil
}

// CheckoutLocked reports whether a checkout lock is currently held for the order.
func (r *Redis) CheckoutLocked(ctx context.Context, orderID uuid.UUID) (bool, error) {
	_, err := r.Client.Get(ctx, checkoutKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FirstIPN records a provider notification and reports whether it is the
// first time this (reference, status) pair was seen within window. Duplicates
// are dropped before a domain action is queued for them.
func (r *Redis) FirstIPN(ctx context.Context, provider, reference, status string, window time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, ipnKey(provider, reference, status), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis ipn dedupe error: %w", err)
	}
	return ok, nil
}

// ForgetIPN clears a mark set by FirstIPN so a redelivery is processed.
func (r *Redis) ForgetIPN(ctx context.Context, provider, reference, status string) error {
	if err := r.Client.Del(ctx, ipnKey(provider, reference, status)).Err(); err != nil {
		return fmt.Errorf("redis ipn dedupe error: %w", err)
	}
	return nil
}
