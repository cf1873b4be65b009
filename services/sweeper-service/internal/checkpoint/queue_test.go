package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemporaryQueue_ExpiryAndActive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	q := NewTemporaryQueue(func() time.Time { return now })

	q.Add(1, 1, now.Add(-2*time.Hour))
	q.Add(1, 2, now.Add(-30*time.Minute))
	q.Add(2, 3, time.Time{})

	expired := q.Expired()
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].ItemID)

	active := q.Active()
	require.Len(t, active, 2)
	assert.Equal(t, int64(2), active[0].ItemID)
	assert.Equal(t, 30*time.Minute, active[0].Remaining)
	assert.Equal(t, time.Hour, active[1].Remaining)

	assert.True(t, q.MarkDeleted(1, 1))
	assert.Empty(t, q.Expired())
	assert.False(t, q.MarkDeleted(9, 9))
	assert.Equal(t, 3, q.Len())

	assert.True(t, q.Remove(1, 1))
	assert.False(t, q.Remove(1, 1))
	assert.Equal(t, 2, q.Len())
}

func TestTemporaryQueue_DeadlineBoundaryIsDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	q := NewTemporaryQueue(func() time.Time { return now })

	item := q.Add(5, 6, now.Add(-SelfDestructTTL))
	assert.Equal(t, now, item.Deadline)
	assert.Len(t, q.Expired(), 1)
	assert.Empty(t, q.Active())

	q.Clear()
	assert.Zero(t, q.Len())
}
