// Package apperr defines the error taxonomy shared by checkout, inventory and payment
// reconciliation, and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart               = errors.New("cart is empty")
	ErrNotFound                = errors.New("not found")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrDuplicateReconciliation = errors.New("payment already reconciled")
	ErrPendingCheckoutMissing  = errors.New("pending checkout expired or missing")
	ErrAmountMismatch          = errors.New("paid amount does not match checkout total")
	ErrUnknownPaymentMethod    = errors.New("unknown payment method")
	ErrForbidden               = errors.New("forbidden")
)

// FieldError is one violated input constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation found, not just the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a violation.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when nothing was recorded, so callers can `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

type InsufficientStockError struct {
	ProductID uint  `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

type BelowMinimumError struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	Minimum  decimal.Decimal `json:"minimum"`
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("%s requires a minimum of %s, got %s", e.Provider, e.Minimum.String(), e.Amount.String())
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// SystemError hides storage/transport failures from callers. Error() is generic;
// the cause stays reachable through Unwrap for logs.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return "internal error" }

func (e *SystemError) Unwrap() error { return e.Err }

// System wraps err unless it already belongs to the taxonomy.
func System(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	return &SystemError{Op: op, Err: err}
}

// IsDomain reports whether err is a business error that must reach the caller unchanged.
func IsDomain(err error) bool {
	var (
		ve *ValidationError
		se *InsufficientStockError
		be *BelowMinimumError
		te *InvalidTransitionError
		sy *SystemError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &se), errors.As(err, &be), errors.As(err, &te), errors.As(err, &sy):
		return true
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrDuplicateReconciliation), errors.Is(err, ErrPendingCheckoutMissing),
		errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrUnknownPaymentMethod), errors.Is(err, ErrForbidden):
		return true
	}
	return false
}

// HTTPStatus maps an error onto the status code the API returns for it.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		se *InsufficientStockError
		be *BelowMinimumError
		te *InvalidTransitionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.Is(err, ErrEmptyCart), errors.Is(err, ErrUnknownPaymentMethod):
		return http.StatusUnprocessableEntity
	case errors.As(err, &se), errors.As(err, &be), errors.As(err, &te):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPendingCheckoutMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrDuplicateReconciliation):
		return http.StatusOK
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
