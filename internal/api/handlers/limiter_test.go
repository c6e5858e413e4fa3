package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceLimiterIsPerInstance(t *testing.T) {
	l := NewInstanceLimiter(0.001, 2, 0)

	require.True(t, l.Allow("prov-a"))
	require.True(t, l.Allow("prov-a"))
	require.False(t, l.Allow("prov-a"))
	require.True(t, l.Allow("prov-b"))
}

func TestInstanceLimiterStaysBounded(t *testing.T) {
	l := NewInstanceLimiter(0.001, 1, 2)

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
	require.True(t, l.Allow("c"))
	require.LessOrEqual(t, len(l.limiters), 2)
	// "a" was evicted and starts with a fresh burst.
	require.True(t, l.Allow("a"))
}

func TestNilInstanceLimiterAllowsEverything(t *testing.T) {
	var l *InstanceLimiter
	require.Nil(t, NewInstanceLimiter(0, 10, 0))
	require.True(t, l.Allow("anything"))
}
