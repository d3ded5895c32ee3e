// Package apperr is the error taxonomy shared by every store and service.
package apperr

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation            Kind = "validation"
	KindBusinessProcess       Kind = "business_process"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindConcurrency           Kind = "concurrency"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
	KindProcessor             Kind = "processor"
)

// FieldError is one user-correctable problem with a single input field.
type FieldError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Fields  map[string][]FieldError

	// Set for insufficient inventory.
	TicketTypeID   uuid.UUID
	TicketTypeName string
	Requested      int64
	Available      int64

	// Retryable marks processor failures the caller may retry.
	Retryable bool

	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Reason != "" {
		sb.WriteString(" [" + e.Reason + "]")
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, fe := range e.Fields[k] {
				sb.WriteString(fmt.Sprintf(" %s:%s", k, fe.Code))
			}
		}
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation accumulates field errors; OrNil returns nil when none were added.
type Validation struct {
	fields map[string][]FieldError
}

func NewValidation() *Validation {
	return &Validation{fields: map[string][]FieldError{}}
}

func (v *Validation) Add(field, code, message string) *Validation {
	v.fields[field] = append(v.fields[field], FieldError{Code: code, Message: message})
	return v
}

func (v *Validation) AddWithParams(field, code, message string, params map[string]interface{}) *Validation {
	v.fields[field] = append(v.fields[field], FieldError{Code: code, Message: message, Params: params})
	return v
}

// Merge folds another validation error into v. Non-validation errors are returned unchanged.
func (v *Validation) Merge(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if stderrors.As(err, &ae) && ae.Kind == KindValidation {
		for k, fes := range ae.Fields {
			v.fields[k] = append(v.fields[k], fes...)
		}
		return nil
	}
	return err
}

// MergeUnder is Merge with every field renamed to prefix.field.
func (v *Validation) MergeUnder(prefix string, err error) error {
	ae, ok := As(err)
	if !ok || ae.Kind != KindValidation {
		return err
	}
	for k, fes := range ae.Fields {
		v.fields[prefix+"."+k] = append(v.fields[prefix+"."+k], fes...)
	}
	return nil
}

func (v *Validation) Empty() bool { return len(v.fields) == 0 }

func (v *Validation) OrNil() error {
	if v.Empty() {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "Validation failed", Fields: v.fields}
}

func ValidationError(field, code, message string) error {
	return NewValidation().Add(field, code, message).OrNil()
}

func Business(reason, message string) error {
	return &Error{Kind: KindBusinessProcess, Reason: reason, Message: message}
}

func Concurrency(message string) error {
	return &Error{Kind: KindConcurrency, Reason: "concurrent_modification", Message: message}
}

func NotFound(message string) error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Message: message}
}

func InsufficientInventory(ticketTypeID uuid.UUID, name string, requested, available int64) error {
	return &Error{
		Kind:           KindInsufficientInventory,
		Reason:         "insufficient_inventory",
		Message:        fmt.Sprintf("Could not reserve %d tickets for %s, only %d available", requested, name, available),
		TicketTypeID:   ticketTypeID,
		TicketTypeName: name,
		Requested:      requested,
		Available:      available,
	}
}

// Internal wraps integrity failures with a stack trace.
func Internal(message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &Error{Kind: KindInternal, Reason: "internal", Message: message, Err: errors.WithStack(err)}
}

func Processor(message string, retryable bool, err error) error {
	return &Error{Kind: KindProcessor, Reason: "payment_processor_error", Message: message, Retryable: retryable, Err: err}
}

func As(err error) (*Error, bool) {
	var ae *Error
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func Is(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}

// HasReason reports whether err is a taxonomy error with the given reason.
func HasReason(err error, reason string) bool {
	ae, ok := As(err)
	return ok && ae.Reason == reason
}

// HasFieldCode reports whether a validation error carries code on field.
func HasFieldCode(err error, field, code string) bool {
	ae, ok := As(err)
	if !ok || ae.Kind != KindValidation {
		return false
	}
	for _, fe := range ae.Fields[field] {
		if fe.Code == code {
			return true
		}
	}
	return false
}

func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindBusinessProcess, KindInsufficientInventory, KindConcurrency:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindProcessor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
