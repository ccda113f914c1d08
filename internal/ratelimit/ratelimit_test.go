package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore is a store.Store stub that only implements CountUsageSince
// meaningfully; every other method panics if called since the rate-limit
// service never needs them.
type countingStore struct {
	store.Store
	counts map[string]int
}

func (c *countingStore) CountUsageSince(ctx context.Context, userID string, apiKeyID *int64, since time.Time) (int, error) {
	return c.counts[windowFor(since)], nil
}

// windowFor buckets `since` back into a window name for the stub; it only
// needs to discriminate roughly, not reproduce production precision.
func windowFor(since time.Time) string {
	d := time.Since(since)
	switch {
	case d < 90*time.Second:
		return WindowMinute
	case d < 2*time.Hour:
		return WindowHour
	default:
		return WindowDay
	}
}

func TestCheck_AllowsWhenUnderEveryWindow(t *testing.T) {
	cs := &countingStore{counts: map[string]int{WindowMinute: 1, WindowHour: 10, WindowDay: 50}}
	svc := New(cs, nil, zerolog.Nop())

	err := svc.Check(context.Background(), "u1", nil, Limits{PerMinute: 10, PerHour: 100, PerDay: 1000})
	assert.NoError(t, err)
}

func TestCheck_DeniesOnFirstExceededWindow(t *testing.T) {
	cs := &countingStore{counts: map[string]int{WindowMinute: 10, WindowHour: 10, WindowDay: 50}}
	svc := New(cs, nil, zerolog.Nop())

	err := svc.Check(context.Background(), "u1", nil, Limits{PerMinute: 10, PerHour: 100, PerDay: 1000})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, 429, apiErr.Status)
	assert.Equal(t, WindowMinute, apiErr.Window)
	assert.Equal(t, 10, apiErr.Count)
	assert.Equal(t, 10, apiErr.Limit)
}

func TestResolveLimits_KeyOverrideWinsOverUserDefault(t *testing.T) {
	user := &store.User{RequestsPerMinute: 10, RequestsPerHour: 100, RequestsPerDay: 1000}
	override := 5
	key := &store.APIKey{RequestsPerMinute: &override}

	limits := ResolveLimits(user, key)
	assert.Equal(t, 5, limits.PerMinute)
	assert.Equal(t, 100, limits.PerHour)
	assert.Equal(t, 1000, limits.PerDay)
}

func TestResolveLimits_NilKeyUsesUserDefaults(t *testing.T) {
	user := &store.User{RequestsPerMinute: 10, RequestsPerHour: 100, RequestsPerDay: 1000}

	limits := ResolveLimits(user, nil)
	assert.Equal(t, Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}, limits)
}

func TestStatusFor_ComputesRemainingFloorsAtZero(t *testing.T) {
	cs := &countingStore{counts: map[string]int{WindowMinute: 12, WindowHour: 10, WindowDay: 50}}
	svc := New(cs, nil, zerolog.Nop())

	status, err := svc.StatusFor(context.Background(), "u1", nil, Limits{PerMinute: 10, PerHour: 100, PerDay: 1000})
	require.NoError(t, err)
	assert.Equal(t, 0, status.Remaining[WindowMinute], "usage over limit must floor remaining at zero, not go negative")
	assert.Equal(t, 90, status.Remaining[WindowHour])
	assert.Equal(t, 950, status.Remaining[WindowDay])
}
