package state

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPersister struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (p *memoryPersister) Backup(_ context.Context, accountID string, dataType models.DataType, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.blobs[accountID+"/"+string(dataType)] = raw
	return nil
}

func (p *memoryPersister) RestoreInto(_ context.Context, accountID string, dataType models.DataType, v any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.blobs[accountID+"/"+string(dataType)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (p *memoryPersister) Delete(_ context.Context, accountID string, dataType models.DataType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blobs, accountID+"/"+string(dataType))
	return nil
}

func TestRegistry_CachesAccounts(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&memoryPersister{blobs: map[string][]byte{}}, zerolog.Nop())
	ctx := context.Background()

	a, err := r.For(ctx, "a")
	require.NoError(t, err)
	again, err := r.For(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = r.For(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Loaded())

	_, err = r.For(ctx, "")
	assert.Error(t, err)
}

// An owner change wipes checkpoints, chat records and found items together.
func TestRegistry_OwnerChangeWipesEveryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &memoryPersister{blobs: map[string][]byte{}}
	r := NewRegistry(p, zerolog.Nop())

	acct, err := r.For(ctx, "acc")
	require.NoError(t, err)

	_, err = acct.Checkpoints.EnsureOwner(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, acct.Checkpoints.Update(ctx, 10, 99, 1, 2))
	title := "Ten"
	_, _, err = acct.Chats.UpsertFromScan(ctx, []models.ChatScanRecord{{ID: 10, Title: &title}})
	require.NoError(t, err)
	require.NoError(t, acct.Items.ReplaceChatMessages(ctx, 10, []models.FoundItem{{ItemID: 99}}))

	wiped, err := acct.Checkpoints.EnsureOwner(ctx, 2)
	require.NoError(t, err)
	assert.True(t, wiped)

	assert.Empty(t, acct.Checkpoints.All())
	assert.Empty(t, acct.Chats.List(true))
	live, deleted := acct.Items.Count()
	assert.Zero(t, live)
	assert.Zero(t, deleted)

	fresh := NewRegistry(p, zerolog.Nop())
	reloaded, err := fresh.For(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), reloaded.Checkpoints.OwnerID())
	assert.Empty(t, reloaded.Chats.List(true))
}

func TestRegistry_HardResetStripsChatScanFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(&memoryPersister{blobs: map[string][]byte{}}, zerolog.Nop())
	acct, err := r.For(ctx, "acc")
	require.NoError(t, err)

	found := 3
	_, _, err = acct.Chats.UpsertFromScan(ctx, []models.ChatScanRecord{{ID: 1, FoundCount: &found}})
	require.NoError(t, err)

	require.NoError(t, acct.Checkpoints.HardReset(ctx))
	rec, ok := acct.Chats.Get(1)
	require.True(t, ok)
	assert.Nil(t, rec.LastFoundCount)
}
