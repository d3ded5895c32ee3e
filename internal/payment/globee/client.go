// Package globee is the redirect-to-payment-page processor backed by the
// Globee payment request API.
package globee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/payment"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response from globee")
	ErrValidation         = errors.New("globee rejected the request")
)

// ReferencePrefix namespaces globee request ids on stored payments.
const ReferencePrefix = "globee-"

type Customer struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

type paymentRequest struct {
	Total           string   `json:"total"`
	Currency        string   `json:"currency,omitempty"`
	CustomPaymentID string   `json:"custom_payment_id,omitempty"`
	Customer        Customer `json:"customer"`
	SuccessURL      string   `json:"success_url,omitempty"`
	CancelURL       string   `json:"cancel_url,omitempty"`
	IPNURL          string   `json:"ipn_url,omitempty"`
}

// PaymentResponse is a payment request as globee reports it, both from the
// API and in IPN bodies.
type PaymentResponse struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Total           string   `json:"total"`
	AdjustedTotal   *string  `json:"adjusted_total"`
	Currency        string   `json:"currency"`
	CustomPaymentID *string  `json:"custom_payment_id"`
	RedirectURL     string   `json:"redirect_url"`
	Customer        Customer `json:"customer"`
	ExpiresAt       *string  `json:"expires_at"`
	CreatedAt       *string  `json:"created_at"`
}

type validationError struct {
	Type    string      `json:"type"`
	Extra   interface{} `json:"extra"`
	Field   string      `json:"field"`
	Message string      `json:"message"`
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Errors  []validationError `json:"errors"`
}

type Client struct {
	key     string
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

var _ payment.RedirectToPaymentPage = (*Client)(nil)

// NewClient builds a client. baseURL is https://globee.com/payment-api/v1/
// live or https://test.globee.com/payment-api/v1/ for testing.
func NewClient(key, baseURL string, log *logger.Logger) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		key:     key,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		log:     log,
	}
}

// WithHTTPClient swaps the transport, e.g. for an httptest server.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// CentsToTotal renders cents as the decimal string globee expects.
func CentsToTotal(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// TotalToCents parses a globee decimal total.
func TotalToCents(total string) (int64, error) {
	d, err := decimal.NewFromString(total)
	if err != nil {
		return 0, fmt.Errorf("invalid total %q: %w", total, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func (c *Client) ExternalReference(id string) string {
	return ReferencePrefix + id
}

func (c *Client) CreatePaymentRequest(ctx context.Context, req payment.RedirectRequest) (*payment.PaymentRequest, error) {
	body := paymentRequest{
		Total:           CentsToTotal(req.AmountInCents),
		Currency:        req.Currency,
		CustomPaymentID: req.CustomPaymentID,
		Customer:        Customer{Email: req.Email},
		SuccessURL:      req.SuccessURL,
		CancelURL:       req.CancelURL,
		IPNURL:          req.IPNURL,
	}
	var resp PaymentResponse
	if err := c.do(ctx, http.MethodPost, "payment-request", body, &resp); err != nil {
		return nil, err
	}
	c.log.LogPayment("globee_request_created", resp.ID, fmt.Sprintf("%s %s for %s", body.Total, body.Currency, req.CustomPaymentID))
	return resp.toPaymentRequest()
}

func (c *Client) GetPaymentRequest(ctx context.Context, id string) (*payment.PaymentRequest, error) {
	var resp PaymentResponse
	if err := c.do(ctx, http.MethodGet, "payment-request/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toPaymentRequest()
}

func (r *PaymentResponse) toPaymentRequest() (*payment.PaymentRequest, error) {
	total := r.Total
	if r.AdjustedTotal != nil && *r.AdjustedTotal != "" {
		total = *r.AdjustedTotal
	}
	cents, err := TotalToCents(total)
	if err != nil {
		return nil, err
	}
	pr := &payment.PaymentRequest{
		ID:           r.ID,
		RedirectURL:  r.RedirectURL,
		Status:       r.Status,
		TotalInCents: cents,
		Currency:     r.Currency,
		Raw: map[string]interface{}{
			"id":                r.ID,
			"status":            r.Status,
			"total":             r.Total,
			"currency":          r.Currency,
			"custom_payment_id": r.CustomPaymentID,
			"expires_at":        r.ExpiresAt,
		},
	}
	if r.CustomPaymentID != nil {
		pr.CustomPaymentID = *r.CustomPaymentID
	}
	return pr, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-AUTH-KEY", c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("GLOBEE", fmt.Sprintf("%s %s: %v", method, path, err))
		return fmt.Errorf("globee request failed: %w", err)
	}
	defer resp.Body.Close()

	// 422 carries validation errors in the usual envelope.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if !env.Success {
		if len(env.Errors) == 0 {
			return ErrUnexpectedResponse
		}
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
		}
		c.log.Warn("GLOBEE", strings.Join(msgs, "; "))
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	if len(env.Data) == 0 {
		return ErrUnexpectedResponse
	}
	return json.Unmarshal(env.Data, out)
}
