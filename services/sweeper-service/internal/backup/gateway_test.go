package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBackend is an in-memory Backend for testing.
type memoryBackend struct {
	mu      sync.Mutex
	records map[string]*models.BackupRecord
	putErr  error
	failRm  map[string]bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		records: make(map[string]*models.BackupRecord),
		failRm:  make(map[string]bool),
	}
}

func (m *memoryBackend) Name() string { return "memory" }

func (m *memoryBackend) Put(_ context.Context, rec *models.BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := *rec
	m.records[EntryName(rec.AccountID, rec.DataType, rec.Timestamp)] = &cp
	return nil
}

func (m *memoryBackend) Latest(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error) {
	entries, _ := m.List(ctx, accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.DataType == dataType {
			cp := *m.records[e.Name]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryBackend) List(_ context.Context, accountID string) ([]models.BackupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []models.BackupEntry
	for name, rec := range m.records {
		if rec.AccountID != accountID {
			continue
		}
		entries = append(entries, models.BackupEntry{
			Name:      name,
			AccountID: rec.AccountID,
			DataType:  rec.DataType,
			Timestamp: rec.Timestamp,
		})
	}
	sortNewestFirst(entries)
	return entries, nil
}

func (m *memoryBackend) Remove(_ context.Context, entry models.BackupEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRm[entry.Name] {
		return errors.New("remove refused")
	}
	delete(m.records, entry.Name)
	return nil
}

func (m *memoryBackend) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type payload struct {
	Items []string `json:"items"`
	Count int      `json:"count"`
}

func newTestGateway(t *testing.T, remotes ...Backend) *Gateway {
	t.Helper()
	local := NewLocalBackend(t.TempDir(), 0, zerolog.Nop())
	return NewGateway(Config{Timeout: time.Second}, local, zerolog.Nop(), remotes...)
}

func TestGateway_RoundTripLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGateway(t)

	in := payload{Items: []string{"a", "b"}, Count: 2}
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, in))

	var out payload
	found, err := g.RestoreInto(ctx, "acc", models.DataScan, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestGateway_RestoreMissing(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	_, err := g.Restore(context.Background(), "acc", models.DataGroups)
	assert.ErrorIs(t, err, ErrNotFound)

	var out payload
	found, err := g.RestoreInto(context.Background(), "acc", models.DataGroups, &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGateway_CorruptedHashReportsNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGateway(t)

	require.NoError(t, g.Backup(ctx, "acc", models.DataCheckpoints, payload{Count: 1}))

	entries, err := g.Local().List(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	path := filepath.Join(g.Local().dir, "acc", entries[0].Name)
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec models.BackupRecord
	require.NoError(t, json.Unmarshal(buf, &rec))
	rec.Data = json.RawMessage(`{"items":null,"count":999}`)
	buf, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	_, err = g.Restore(ctx, "acc", models.DataCheckpoints)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateway_MirrorsToRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	g := newTestGateway(t, nil, remote)

	assert.Equal(t, "memory", g.RemoteName())
	require.NoError(t, g.Backup(ctx, "acc", models.DataGroups, payload{Count: 3}))
	assert.Len(t, remote.names(), 1)

	local, err := g.Local().List(ctx, "acc")
	require.NoError(t, err)
	assert.Len(t, local, 1)
}

func TestGateway_RemoteFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	remote.putErr = errors.New("bucket unavailable")
	g := newTestGateway(t, remote)

	require.NoError(t, g.Backup(ctx, "acc", models.DataGroups, payload{Count: 5}))

	var out payload
	found, err := g.RestoreInto(ctx, "acc", models.DataGroups, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, out.Count)
}

func TestGateway_RestorePicksNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	g := newTestGateway(t, remote)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 1}))

	// The remote misses the second write, so local is newer.
	remote.putErr = errors.New("offline")
	g.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 2}))

	var out payload
	found, err := g.RestoreInto(ctx, "acc", models.DataScan, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, out.Count)
}

func TestGateway_DeleteRemovesOnlyDataType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	g := newTestGateway(t, remote)

	require.NoError(t, g.Backup(ctx, "acc", models.DataCheckpoints, payload{Count: 1}))
	require.NoError(t, g.Backup(ctx, "acc", models.DataGroups, payload{Count: 2}))

	require.NoError(t, g.Delete(ctx, "acc", models.DataCheckpoints))

	_, err := g.Restore(ctx, "acc", models.DataCheckpoints)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.Restore(ctx, "acc", models.DataGroups)
	assert.NoError(t, err)
	assert.Len(t, remote.names(), 1)
}

func TestGateway_PruneOldBackups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	g := newTestGateway(t, remote)

	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{20 * 24 * time.Hour, 10 * 24 * time.Hour, 2 * 24 * time.Hour} {
		g.now = func() time.Time { return now.Add(-age) }
		require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: int(age.Hours())}))
	}
	// A single old backup of another type is the latest of its kind and must survive.
	g.now = func() time.Time { return now.Add(-30 * 24 * time.Hour) }
	require.NoError(t, g.Backup(ctx, "acc", models.DataGroups, payload{Count: 1}))

	g.now = func() time.Time { return now }
	report, err := g.PruneOldBackups(ctx, "acc", 7)
	require.NoError(t, err)

	// Two stale scan_data generations on each of the two backends.
	assert.Equal(t, 4, report.Deleted)
	assert.Equal(t, 0, report.Failed)

	entries, err := g.Local().List(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	types := []models.DataType{entries[0].DataType, entries[1].DataType}
	assert.ElementsMatch(t, []models.DataType{models.DataScan, models.DataGroups}, types)
}

func TestGateway_PruneLogsIndividualFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemoryBackend()
	g := newTestGateway(t, remote)

	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	old := now.Add(-15 * 24 * time.Hour)
	g.now = func() time.Time { return old }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 1}))
	g.now = func() time.Time { return now }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 2}))

	remote.failRm[EntryName("acc", models.DataScan, old)] = true

	report, err := g.PruneOldBackups(ctx, "acc", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Failed)
}

func TestGateway_PruneRetentionFloor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGateway(t)

	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now.Add(-12 * time.Hour) }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 1}))
	g.now = func() time.Time { return now }
	require.NoError(t, g.Backup(ctx, "acc", models.DataScan, payload{Count: 2}))

	// A negative retention is floored at one day, so the 12h old backup survives.
	report, err := g.PruneOldBackups(ctx, "acc", -3)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deleted)
}
