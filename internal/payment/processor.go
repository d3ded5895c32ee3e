// Package payment charges locked carts through the configured processors and
// turns their callbacks and notifications into order state changes.
package payment

import (
	"context"
	"errors"
	"fmt"

	"ms-ticket-commerce/internal/models"
)

var ErrUnsupportedProvider = errors.New("unsupported payment provider")

// Charge is a processor-side charge or authorization.
type Charge struct {
	ID  string
	Raw map[string]interface{}
}

// AuthThenComplete is a card processor: authorize first, capture after the
// local Payment row is durable.
type AuthThenComplete interface {
	Auth(ctx context.Context, token string, amountInCents int64, currency, description string, metadata map[string]string) (*Charge, error)
	CompleteAuthedCharge(ctx context.Context, authID string) (*Charge, error)
	Refund(ctx context.Context, chargeID string, amountInCents int64) (*Charge, error)
	// CreateTokenForRepeatCharges stores the card and returns a token later
	// charges can reuse.
	CreateTokenForRepeatCharges(ctx context.Context, token, description string) (string, error)
	UpdateRepeatToken(ctx context.Context, repeatToken, token, description string) (string, error)
}

// PaymentRequest is an off-site invoice the buyer is redirected to.
type PaymentRequest struct {
	ID              string
	RedirectURL     string
	Status          string
	TotalInCents    int64
	Currency        string
	CustomPaymentID string // order id the request was created for
	Raw             map[string]interface{}
}

// RedirectRequest describes the invoice to create.
type RedirectRequest struct {
	AmountInCents   int64
	Currency        string
	Email           *string
	CustomPaymentID string
	SuccessURL      string
	CancelURL       string
	IPNURL          string
}

type RedirectToPaymentPage interface {
	CreatePaymentRequest(ctx context.Context, req RedirectRequest) (*PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error)
	// ExternalReference is how the provider's request id is stored on payments.
	ExternalReference(id string) string
}

// Registry resolves processors by provider.
type Registry struct {
	card     map[models.PaymentProvider]AuthThenComplete
	redirect map[models.PaymentProvider]RedirectToPaymentPage
}

func NewRegistry() *Registry {
	return &Registry{
		card:     map[models.PaymentProvider]AuthThenComplete{},
		redirect: map[models.PaymentProvider]RedirectToPaymentPage{},
	}
}

func (r *Registry) RegisterCard(provider models.PaymentProvider, p AuthThenComplete) *Registry {
	r.card[provider] = p
	return r
}

func (r *Registry) RegisterRedirect(provider models.PaymentProvider, p RedirectToPaymentPage) *Registry {
	r.redirect[provider] = p
	return r
}

func (r *Registry) Card(provider models.PaymentProvider) (AuthThenComplete, error) {
	p, ok := r.card[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return p, nil
}

func (r *Registry) Redirect(provider models.PaymentProvider) (RedirectToPaymentPage, error) {
	p, ok := r.redirect[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return p, nil
}
