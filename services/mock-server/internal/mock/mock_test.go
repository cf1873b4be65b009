package mock

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMessages_NewestFirstWithinBounds(t *testing.T) {
	msgs, err := GetMessages(1000, 42, MessageFilter{Limit: 500})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i-1].ID, msgs[i].ID)
	}

	top := msgs[0].ID
	page, err := GetMessages(1000, 42, MessageFilter{OffsetID: top, MinID: top - 5, Limit: 100})
	require.NoError(t, err)
	for _, m := range page {
		assert.Less(t, m.ID, top)
		assert.Greater(t, m.ID, top-5)
		assert.Equal(t, m.SenderID == 42, m.Out)
	}

	_, err = GetMessages(-1, 42, MessageFilter{Limit: 10})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestDeleteMessages_OnlyAuthorsMessages(t *testing.T) {
	mine, err := SendMessage(1001, 42, "to be removed")
	require.NoError(t, err)
	theirs, err := SendMessage(1001, 43, "not yours")
	require.NoError(t, err)

	_, err = DeleteMessages(1001, 42, []int64{mine.ID, theirs.ID})
	assert.ErrorIs(t, err, ErrNotAuthor)

	n, err := DeleteMessages(1001, 42, []int64{mine.ID, 999999999})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTakeFailure_CountsDown(t *testing.T) {
	t.Cleanup(ClearFailures)
	require.NoError(t, InjectFailure(Failure{ChatID: 5, Op: OpDelete, Status: http.StatusLocked, Count: 2}))
	require.NoError(t, InjectFailure(Failure{Op: OpDelete, Status: http.StatusForbidden, Reason: "banned"}))
	assert.Error(t, InjectFailure(Failure{Op: "bogus", Status: 500}))

	f, ok := TakeFailure(5, OpDelete)
	require.True(t, ok)
	assert.Equal(t, http.StatusLocked, f.Status)
	f, _ = TakeFailure(5, OpDelete)
	assert.Equal(t, http.StatusLocked, f.Status)

	f, ok = TakeFailure(5, OpDelete)
	require.True(t, ok)
	assert.Equal(t, "banned", f.Reason)

	_, ok = TakeFailure(5, OpDelete)
	assert.False(t, ok)
}
