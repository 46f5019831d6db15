package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 0},
		{failures: 1, want: 100 * time.Millisecond},
		{failures: 2, want: 200 * time.Millisecond},
		{failures: 3, want: 400 * time.Millisecond},
		{failures: 4, want: 800 * time.Millisecond},
		{failures: 5, want: time.Second},
		{failures: 64, want: time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, p.Delay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestPolicy_DelayIsMonotonic(t *testing.T) {
	p := Policy{Base: 3 * time.Millisecond, Max: 7 * time.Second}
	prev := time.Duration(0)
	for n := 1; n < 200; n++ {
		d := p.Delay(n)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, p.Max)
		prev = d
	}
	require.Equal(t, p.Max, prev)
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, Policy{Base: time.Second, Max: time.Second}.Validate())
	require.Error(t, Policy{Base: 0, Max: time.Second}.Validate())
	require.Error(t, Policy{Base: time.Second, Max: time.Millisecond}.Validate())
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestSleep_Elapses(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(t.Context(), 10*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
