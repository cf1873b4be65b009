package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/spf13/viper"
	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_ReportsEveryAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StatusConcurrency: 1})
	indexed(t, h, 1, "Builders", 3)

	statuses, err := h.svc.Status(context.Background(), []string{"acc", "other", "missing", "bare"})
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	acc := statuses[0]
	assert.Equal(t, "acc", acc.AccountID)
	assert.True(t, acc.Connected)
	assert.Equal(t, int64(ownerID), acc.OwnerID)
	assert.Equal(t, "Owner", acc.Owner)
	assert.Equal(t, 1, acc.Checkpoints)
	assert.Equal(t, 3, acc.LiveItems)
	assert.Equal(t, sweepermodels.ProgressDone, acc.Progress)
	assert.Empty(t, acc.Error)

	assert.True(t, statuses[1].Connected)
	assert.Zero(t, statuses[1].LiveItems)

	assert.False(t, statuses[2].Connected)
	assert.Contains(t, statuses[2].Error, "account not found")
	assert.False(t, statuses[3].Connected)
	assert.Contains(t, statuses[3].Error, "not authorized")
}

func TestService_ConnectsOncePerSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.addChat(group(1, "One", 10))

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = h.svc.Scan(context.Background(), "acc", ScanOptions{})
			} else {
				_, errs[i] = h.svc.Delete(context.Background(), "acc", DeleteOptions{})
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	statuses, err := h.svc.Status(context.Background(), []string{"acc", "other"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, 2, h.fake.connectCalls, "one connection per session handle")

	require.NoError(t, h.svc.Close())
	_, err = h.svc.Status(context.Background(), []string{"acc"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.fake.connectCalls)
}

func TestService_NotifiesObservers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fake.addChat(group(1, "One", 10))

	var events []string
	_, err := h.svc.Observers().Register(func(message string, _ map[string]any) error {
		events = append(events, message)
		return nil
	})
	require.NoError(t, err)

	_, err = h.svc.Scan(context.Background(), "acc", ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan.discovered", "scan.chat_started", "scan.chat_done", "scan.finished"}, events)
}

func TestConfigFromViper(t *testing.T) {
	v := viper.GetViper()
	v.Set("scan.min_members", 25)
	v.Set("delete.batch_size", 10)
	v.Set("delete.delay", "1s")
	t.Cleanup(viper.Reset)

	cfg := ConfigFromViper().withDefaults()
	assert.Equal(t, 25, cfg.MinMembers)
	assert.Equal(t, 10, cfg.DeleteBatchSize)
	assert.Equal(t, "1s", cfg.DeleteDelay.String())
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, "chat", cfg.Platform)
}
