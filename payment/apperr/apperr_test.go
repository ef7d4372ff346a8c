package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ChainUnreachable("balance query failed", WithCause(cause), WithDetail("address", "0xabc"))

	assert.Equal(t, "balance query failed: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindChainUnreachable, err.Kind())
	assert.Equal(t, "0xabc", err.Details()["address"])
}

func TestFromWrapsForeignErrors(t *testing.T) {
	assert.Nil(t, From(nil))

	appErr := From(errors.New("boom"))
	require.NotNil(t, appErr)
	assert.Equal(t, KindInternal, appErr.Kind())

	wrapped := fmt.Errorf("sweep: %w", NotFound("order not found"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestIsKindWalksNestedErrors(t *testing.T) {
	inner := ConfirmationTimeout("receipt not seen")
	outer := InsufficientFunding("fee top-up failed", WithCause(inner))

	assert.True(t, IsKind(outer, KindInsufficientFunding))
	assert.True(t, IsKind(outer, KindConfirmationTimeout))
	assert.False(t, IsKind(outer, KindTransactionRejected))
	assert.False(t, IsKind(errors.New("plain"), KindInternal))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Validation("bad amount"), http.StatusBadRequest},
		{NotFound(""), http.StatusNotFound},
		{Conflict(""), http.StatusConflict},
		{ChainUnreachable(""), http.StatusBadGateway},
		{InsufficientFunding(""), http.StatusUnprocessableEntity},
		{TransactionRejected(""), http.StatusUnprocessableEntity},
		{ConfirmationTimeout(""), http.StatusGatewayTimeout},
		{Internal(""), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind()), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}
