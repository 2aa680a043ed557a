package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := ChainWrapWithCode(fmt.Errorf("dial tcp: refused"), OpConnect, ChainErrConnectionFailed, "could not reach node")
	assert.Equal(t, "[chain.Connect] Code=CONNECTION_FAILED: could not reach node: dial tcp: refused", err.Error())
}

func TestIsChainErrorThroughWrapping(t *testing.T) {
	base := ChainErrorf(ChainErrUnknownExtrinsic, "unknown")
	wrapped := fmt.Errorf("wait: %w", base)

	assert.True(t, IsChainError(wrapped, ChainErrUnknownExtrinsic))
	assert.False(t, IsChainError(wrapped, ChainErrSubmitFailed))
	assert.False(t, IsStorageError(wrapped, ChainErrUnknownExtrinsic))
	assert.Equal(t, ChainErrUnknownExtrinsic, Code(wrapped))
}

func TestWrapKeepsClassification(t *testing.T) {
	base := ChainErrorf(ChainErrSubmitFailed, "rejected %s", "0x01")
	wrapped := Wrap(base, "submit extrinsic")

	require.True(t, IsChainError(wrapped, ChainErrSubmitFailed))
	assert.Contains(t, wrapped.Error(), "submit extrinsic")
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestWrapWithFieldDoesNotMutateOriginal(t *testing.T) {
	base := &Error{Domain: ChainDomain, Code: ChainErrRPC, Fields: map[string]interface{}{"a": 1}}
	wrapped := WrapWithField(base, "b", 2)

	var domainErr *Error
	require.True(t, As(wrapped, &domainErr))
	assert.Len(t, domainErr.Fields, 2)
	assert.Len(t, base.Fields, 1)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		ChainErrUnknownExtrinsic: http.StatusNotFound,
		ChainErrUnknownSigner:    http.StatusBadRequest,
		ChainErrConnectionFailed: http.StatusServiceUnavailable,
		ChainErrNonceQueryFailed: http.StatusBadGateway,
		ChainErrSubmitFailed:     http.StatusInternalServerError,
		APIErrValidation:         http.StatusBadRequest,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatus(ChainErrorf(code, "x")), code)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}
