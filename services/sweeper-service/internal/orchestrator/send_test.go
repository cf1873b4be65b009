package orchestrator

import (
	"context"
	"testing"
	"time"

	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_ValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "  "})
	assert.Error(t, err)
	_, err = h.svc.Send(context.Background(), "acc", SendOptions{Text: "hello"})
	assert.Error(t, err)
	assert.Zero(t, h.fake.connectCalls)
}

func TestSend_DeliversAndRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.descriptions[1] = "Welcome! Be kind."

	res, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1, 2}, Text: "hello all"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Sent)
	require.Len(t, res.Units, 2)
	assert.Equal(t, UnitOK, res.Units[0].Status)
	assert.NotZero(t, res.Units[0].ItemID)
	assert.Equal(t, []string{"hello all"}, h.fake.sent[1])

	acct := h.account(t)
	cp, ok := acct.Checkpoints.Get(1, false)
	require.True(t, ok)
	assert.Equal(t, SendStatusSent, cp.SendStatus)
	require.NotNil(t, cp.LastSentAt)
	assert.Equal(t, h.now, *cp.LastSentAt)
	assert.Equal(t, "Welcome! Be kind.", cp.RulesText)

	rec, ok := acct.Chats.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, rec.SentTotal)
	assert.Zero(t, acct.Checkpoints.Queue().Len())
}

func TestSend_ComplianceBlocksUnlessOverridden(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.descriptions[1] = "Rules: no links, no spam."
	h.fake.descriptions[2] = "Rules: no links."
	text := "check https://example.com for a discount"

	res, err := h.svc.Send(context.Background(), "acc", SendOptions{
		ChatIDs:  []int64{1, 2},
		Text:     text,
		Override: []int64{2},
	})
	require.NoError(t, err)
	require.Len(t, res.Units, 2)

	blocked := res.Units[0]
	assert.Equal(t, UnitSkipped, blocked.Status)
	require.Len(t, blocked.Violations, 2)
	assert.Equal(t, "links", blocked.Violations[0].Rule)
	assert.Equal(t, "promotion", blocked.Violations[1].Rule)
	assert.Empty(t, h.fake.sent[1])

	assert.Equal(t, UnitOK, res.Units[1].Status)
	assert.Equal(t, []string{text}, h.fake.sent[2])
	assert.Equal(t, 1, res.Counts.Skipped)

	cp, _ := h.account(t).Checkpoints.Get(1, false)
	assert.Equal(t, SendStatusBlocked, cp.SendStatus)
	assert.Contains(t, cp.SendError, "links")
}

func TestSend_RulesTextIsCached(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.descriptions[1] = "no mentions"

	_, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "first"})
	require.NoError(t, err)

	h.fake.descErrs[1] = &provider.PermissionError{Reason: provider.ReasonForbidden}
	res, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "hi @someone"})
	require.NoError(t, err)
	require.Len(t, res.Units, 1)
	assert.Equal(t, UnitSkipped, res.Units[0].Status)
	assert.Equal(t, "mentions", res.Units[0].Violations[0].Rule)
}

func TestSend_DryRunChangesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	res, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "hello", DryRun: true, SelfDestruct: true})
	require.NoError(t, err)
	require.Len(t, res.Units, 1)
	assert.True(t, res.Units[0].DryRun)
	assert.False(t, res.Units[0].Sent)
	assert.Equal(t, 1, res.Counts.Sent)
	assert.Zero(t, h.fake.sendCalls)

	acct := h.account(t)
	assert.Zero(t, acct.Checkpoints.Queue().Len())
	_, ok := acct.Chats.Get(1)
	assert.False(t, ok)
}

func TestSend_PermissionDenialIsCachedForTheRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.sendErrs[1] = &provider.PermissionError{Reason: provider.ReasonBanned}

	res, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1, 1, 2}, Text: "hello"})
	require.NoError(t, err)
	require.Len(t, res.Units, 3)
	assert.Equal(t, UnitError, res.Units[0].Status)
	assert.Equal(t, UnitSkipped, res.Units[1].Status)
	assert.Equal(t, UnitOK, res.Units[2].Status)
	assert.Equal(t, 2, h.fake.sendCalls)

	acct := h.account(t)
	rec, ok := acct.Chats.Get(1)
	require.True(t, ok)
	assert.Equal(t, sweepermodels.LifecycleBanned, rec.Status)
	cp, _ := acct.Checkpoints.Get(1, false)
	assert.Equal(t, SendStatusError, cp.SendStatus)
}

func TestSend_SelfDestructThenSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	res, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1, 2}, Text: "brb", SelfDestruct: true})
	require.NoError(t, err)
	require.Equal(t, 2, res.Counts.Sent)

	queue := h.account(t).Checkpoints.Queue()
	active := queue.Active()
	require.Len(t, active, 2)
	assert.Equal(t, time.Hour, active[0].Remaining)

	sweep, err := h.svc.SweepExpired(context.Background(), "acc")
	require.NoError(t, err)
	assert.Empty(t, sweep.Units)

	h.now = h.now.Add(time.Hour)
	h.fake.deleteErrs[2] = []error{&provider.PermissionError{Reason: provider.ReasonAdminRequired}}
	sweep, err = h.svc.SweepExpired(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, sweep.Units, 2)
	assert.Equal(t, UnitOK, sweep.Units[0].Status)
	assert.Equal(t, 1, sweep.Units[0].Deleted)
	assert.Equal(t, UnitError, sweep.Units[1].Status)

	assert.Equal(t, []int64{res.Units[0].ItemID}, h.fake.deleted[1])
	assert.Empty(t, queue.Expired())
	assert.Equal(t, 1, queue.Len(), "the deleted item stays marked, the refused one is dropped")

	acct := h.account(t)
	rec, _ := acct.Chats.Get(1)
	assert.Equal(t, 1, rec.DeletedTotal)
	rec, _ = acct.Chats.Get(2)
	assert.Equal(t, sweepermodels.LifecycleRestricted, rec.Status)
}

func TestSweepExpired_KeepsTransientFailuresQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxAttempts: 1})

	_, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "brb", SelfDestruct: true})
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	h.fake.deleteErrs[1] = []error{&provider.TransientError{StatusCode: 503}}
	sweep, err := h.svc.SweepExpired(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, sweep.Units, 1)
	assert.Equal(t, UnitError, sweep.Units[0].Status)

	queue := h.account(t).Checkpoints.Queue()
	require.Len(t, queue.Expired(), 1)

	sweep, err = h.svc.SweepExpired(context.Background(), "acc")
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Counts.Deleted)
	assert.Empty(t, queue.Expired())
}

func TestSweepExpired_ShortCountIsNotCounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.svc.Send(context.Background(), "acc", SendOptions{ChatIDs: []int64{1}, Text: "brb", SelfDestruct: true})
	require.NoError(t, err)

	h.now = h.now.Add(time.Hour)
	h.fake.deleteShort[1] = 1
	sweep, err := h.svc.SweepExpired(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, sweep.Units, 1)
	assert.Zero(t, sweep.Units[0].Deleted)
	assert.Equal(t, 1, sweep.Units[0].Unconfirmed)
	assert.Empty(t, h.account(t).Checkpoints.Queue().Expired())
}
