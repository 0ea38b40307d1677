package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorCollectsAllFields(t *testing.T) {
	v := &ValidationError{}
	require.NoError(t, v.OrNil())

	v.Add("contact.email", "is required")
	v.Add("lines[0].qty", "must be at least 1")

	err := v.OrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contact.email")
	assert.Contains(t, err.Error(), "lines[0].qty")
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestSystemHidesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := System("checkout.cod", cause)

	assert.Equal(t, "internal error", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestSystemKeepsDomainErrors(t *testing.T) {
	stock := &InsufficientStockError{ProductID: 7, Requested: 10, Available: 4}
	wrapped := fmt.Errorf("deduct: %w", stock)

	got := System("checkout.cod", wrapped)

	var se *InsufficientStockError
	require.ErrorAs(t, got, &se)
	assert.Equal(t, int64(4), se.Available)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(got))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrNotFound:                http.StatusNotFound,
		ErrPendingCheckoutMissing:  http.StatusNotFound,
		ErrInvalidSignature:        http.StatusBadRequest,
		ErrDuplicateReconciliation: http.StatusOK,
		ErrForbidden:               http.StatusForbidden,
		ErrAmountMismatch:          http.StatusConflict,
		errors.New("boom"):         http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
