package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOfWrapped(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("search: %w", New(StoreError, "query properties", cause))

	require.Equal(t, StoreError, CodeOf(err))
	require.True(t, Is(err, StoreError))
	require.False(t, Is(err, InvalidQuery))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "STORE_ERROR (query properties): connection refused")
}

func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(errors.New("boom")))
	require.False(t, Is(nil, StoreError))
	require.Equal(t, "NO_AGENT_BOUND (instance has no main agent)", New(NoAgentBound, "instance has no main agent", nil).Error())
}
