package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	first, err := l.Obtain(ctx, "crm", time.Minute)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, "crm", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	other, err := l.Obtain(ctx, "hr", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	second, err := l.Obtain(ctx, "crm", time.Minute)
	require.NoError(t, err)

	// An expired lease can be taken over; the stale holder's release must
	// not free the new one.
	now = now.Add(2 * time.Minute)
	third, err := l.Obtain(ctx, "crm", time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))

	_, err = l.Obtain(ctx, "crm", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, third.Release(ctx))
}
