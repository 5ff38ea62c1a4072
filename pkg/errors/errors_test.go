package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeNotFound, "article missing")

	assert.Equal(t, ErrorTypeNotFound, err.Type)
	assert.Contains(t, err.Error(), "not_found: article missing")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection reset by peer")
	err := Wrap(cause, ErrorTypeNetwork, "fetch failed").WithDetail("url", "/journals")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "/journals", err.Details["url"])
	assert.Contains(t, err.Error(), "network: fetch failed")
}

func TestWrapNilReturnsNil(t *testing.T) {
	var typed *Error = Wrap(nil, ErrorTypeNetwork, "ignored")
	assert.Nil(t, typed)
}

func TestWrapThroughFmtErrorf(t *testing.T) {
	inner := New(ErrorTypeAuth, "credentials rejected")
	outer := fmt.Errorf("while pushing: %w", inner)

	assert.True(t, IsType(outer, ErrorTypeAuth))
	assert.Equal(t, ErrorTypeAuth, TypeOf(outer))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeAuth, false},
		{ErrorTypeNotFound, false},
		{ErrorTypeValidation, false},
		{ErrorTypePrerequisite, false},
		{ErrorTypeStoreCorruption, false},
		{ErrorTypeConfig, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(New(tt.errType, "x")))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrorTypeAuth, "x")))
	assert.True(t, IsFatal(New(ErrorTypePrerequisite, "x")))
	assert.True(t, IsFatal(New(ErrorTypeStoreCorruption, "x")))
	assert.False(t, IsFatal(New(ErrorTypeNotFound, "x")))
	assert.False(t, IsFatal(New(ErrorTypeNetwork, "x")))
	assert.False(t, IsFatal(stderrors.New("plain")))
}

func TestTypeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(stderrors.New("plain")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}
