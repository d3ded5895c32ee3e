package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/payment"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrUnexpectedIntentStatus = errors.New("unexpected payment intent status")
)

// StripeService charges cards through manually captured PaymentIntents.
type StripeService struct {
	client *client.API
	log    *logger.Logger
}

var _ payment.AuthThenComplete = (*StripeService)(nil)

func NewStripeService(secretKey string, log *logger.Logger) (*StripeService, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeService{client: sc, log: log}, nil
}

func intentCharge(pi *stripe.PaymentIntent) *payment.Charge {
	return &payment.Charge{
		ID: pi.ID,
		Raw: map[string]interface{}{
			"id":       pi.ID,
			"status":   string(pi.Status),
			"amount":   pi.Amount,
			"currency": string(pi.Currency),
		},
	}
}

// Auth places a hold for amountInCents on the card. token is a payment
// method id; when it is attached to a customer the intent is created for
// that customer.
func (s *StripeService) Auth(ctx context.Context, token string, amountInCents int64, currency, description string, metadata map[string]string) (*payment.Charge, error) {
	params := &stripe.PaymentIntentParams{
		Params:             stripe.Params{Context: ctx},
		Amount:             stripe.Int64(amountInCents),
		Currency:           stripe.String(strings.ToLower(currency)),
		PaymentMethod:      stripe.String(token),
		Description:        stripe.String(description),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: []*string{stripe.String("card")},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pm, err := s.client.PaymentMethods.Get(token, &stripe.PaymentMethodParams{Params: stripe.Params{Context: ctx}})
	if err == nil && pm.Customer != nil {
		params.Customer = stripe.String(pm.Customer.ID)
	}

	pi, err := s.client.PaymentIntents.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		s.log.Warn("STRIPE", fmt.Sprintf("Payment intent %s is %s after confirmation", pi.ID, pi.Status))
		if _, err := s.client.PaymentIntents.Cancel(pi.ID, &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}}); err != nil {
			s.log.Error("STRIPE", fmt.Sprintf("Failed to cancel payment intent %s: %v", pi.ID, err))
		}
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedIntentStatus, pi.Status)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Authorized %d %s as %s", amountInCents, currency, pi.ID))
	return intentCharge(pi), nil
}

func (s *StripeService) CompleteAuthedCharge(ctx context.Context, authID string) (*payment.Charge, error) {
	pi, err := s.client.PaymentIntents.Capture(authID, &stripe.PaymentIntentCaptureParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to capture %s: %v", authID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedIntentStatus, pi.Status)
	}
	return intentCharge(pi), nil
}

// Refund voids an uncaptured intent, otherwise refunds amountInCents of it.
func (s *StripeService) Refund(ctx context.Context, chargeID string, amountInCents int64) (*payment.Charge, error) {
	pi, err := s.client.PaymentIntents.Get(chargeID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		pi, err = s.client.PaymentIntents.Cancel(chargeID, &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
		}
		s.log.Info("STRIPE", fmt.Sprintf("Voided authorization %s", chargeID))
		return intentCharge(pi), nil
	}

	re, err := s.client.Refunds.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(chargeID),
		Amount:        stripe.Int64(amountInCents),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Refunded %d of %s as %s", amountInCents, chargeID, re.ID))
	return &payment.Charge{
		ID:  re.ID,
		Raw: map[string]interface{}{"id": re.ID, "status": string(re.Status), "amount": re.Amount, "payment_intent": chargeID},
	}, nil
}

// CreateTokenForRepeatCharges attaches the payment method to a new customer
// so it can be charged again. The payment method id is the repeat token.
func (s *StripeService) CreateTokenForRepeatCharges(ctx context.Context, token, description string) (string, error) {
	cus, err := s.client.Customers.New(&stripe.CustomerParams{
		Params:        stripe.Params{Context: ctx},
		Description:   stripe.String(description),
		PaymentMethod: stripe.String(token),
	})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create customer: %v", err))
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Stored payment method for customer %s", cus.ID))
	return token, nil
}

// UpdateRepeatToken moves the customer behind repeatToken onto a new card.
func (s *StripeService) UpdateRepeatToken(ctx context.Context, repeatToken, token, description string) (string, error) {
	old, err := s.client.PaymentMethods.Get(repeatToken, &stripe.PaymentMethodParams{Params: stripe.Params{Context: ctx}})
	if err != nil || old.Customer == nil {
		return s.CreateTokenForRepeatCharges(ctx, token, description)
	}
	_, err = s.client.PaymentMethods.Attach(token, &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(old.Customer.ID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	if _, err := s.client.PaymentMethods.Detach(repeatToken, &stripe.PaymentMethodDetachParams{Params: stripe.Params{Context: ctx}}); err != nil {
		s.log.Warn("STRIPE", fmt.Sprintf("Failed to detach payment method: %v", err))
	}
	return token, nil
}
