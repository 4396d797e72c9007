package book

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientSentinelsSurviveWrapping(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{ErrNotFound, ErrRateLimited, ErrQuotaExhausted, ErrTimeout} {
		wrapped := fmt.Errorf("GET https://example.com: %w", sentinel)
		require.True(t, IsTransient(wrapped), "sentinel %v", sentinel)
		require.False(t, IsFatal(wrapped))
	}
}

func TestAuthErrorIsFatalNotTransient(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("resolve batch: %w", &AuthError{Provider: "googlebooks", Err: errors.New("status 403")})
	require.True(t, IsFatal(err))
	require.False(t, IsTransient(err))

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "googlebooks", authErr.Provider)
}

func TestBudgetSignals(t *testing.T) {
	t.Parallel()

	require.True(t, IsBudgetSignal(ErrQuotaExhausted))
	require.True(t, IsBudgetSignal(fmt.Errorf("openlibrary: %w", ErrRateLimited)))
	require.False(t, IsBudgetSignal(ErrNotFound))
	require.False(t, IsBudgetSignal(nil))
}
