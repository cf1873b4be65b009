// Package index holds the durable per-account indexes: chat lifecycle records and the messages
// found by scans.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// Persister is the durable storage the indexes write through to.
type Persister interface {
	Backup(ctx context.Context, accountID string, dataType models.DataType, data any) error
	RestoreInto(ctx context.Context, accountID string, dataType models.DataType, v any) (bool, error)
}

// ChatIndex is the lifecycle record store of an account's conversations.
type ChatIndex struct {
	accountID string
	persister Persister
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	records map[int64]*models.ChatRecord
}

// LoadChatIndex restores the chat records of an account from its latest backup.
func LoadChatIndex(ctx context.Context, accountID string, persister Persister, log zerolog.Logger) (*ChatIndex, error) {
	idx := &ChatIndex{
		accountID: accountID,
		persister: persister,
		log:       log.With().Str("component", "chat_index").Str("account_id", accountID).Logger(),
		now:       time.Now,
		records:   make(map[int64]*models.ChatRecord),
	}

	var records map[int64]*models.ChatRecord
	found, err := persister.RestoreInto(ctx, accountID, models.DataGroups, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to restore chat records: %w", err)
	}
	if found && records != nil {
		idx.records = records
	}
	return idx, nil
}

// UpsertFromScan creates records for newly observed conversations and merges the others.
// Non-nil scan fields overwrite identity fields; counters, lifecycle status and existing
// timestamps are never touched by a merge.
func (idx *ChatIndex) UpsertFromScan(ctx context.Context, scans []models.ChatScanRecord) (created, updated int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	for _, scan := range scans {
		rec, ok := idx.records[scan.ID]
		if !ok {
			seen := now
			rec = &models.ChatRecord{
				ID:               scan.ID,
				Status:           models.LifecycleActive,
				FirstSeenAt:      &seen,
				LastStatusChange: &seen,
			}
			idx.records[scan.ID] = rec
			created++
		} else {
			updated++
		}
		mergeScan(rec, scan)
	}

	if created+updated == 0 {
		return 0, 0, nil
	}
	return created, updated, idx.persistLocked(ctx)
}

func mergeScan(rec *models.ChatRecord, scan models.ChatScanRecord) {
	if scan.Platform != nil {
		rec.Platform = *scan.Platform
	}
	if scan.Title != nil {
		rec.Title = *scan.Title
	}
	if scan.Username != nil {
		rec.Username = *scan.Username
	}
	if scan.Type != nil {
		rec.Type = *scan.Type
	}
	if scan.MemberCount != nil {
		rec.MemberCount = *scan.MemberCount
	}
	if len(scan.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(scan.Metadata))
		}
		for k, v := range scan.Metadata {
			rec.Metadata[k] = v
		}
	}
	if scan.ScannedAt != nil {
		at := *scan.ScannedAt
		rec.LastScanAt = &at
	}
	if scan.FoundCount != nil {
		n := *scan.FoundCount
		rec.LastFoundCount = &n
	}
	if rec.Status == "" {
		rec.Status = models.LifecycleUnknown
	}
}

// MarkJoined records that the account joined a conversation, reviving a soft-deleted record.
func (idx *ChatIndex) MarkJoined(ctx context.Context, chatID int64, at time.Time) error {
	return idx.transition(ctx, chatID, func(rec *models.ChatRecord, now time.Time) {
		if at.IsZero() {
			at = now
		}
		rec.JoinedAt = &at
		rec.DeletedAt = nil
		setStatus(rec, models.LifecycleActive, now)
	})
}

// MarkStatus sets a conversation's lifecycle status.
func (idx *ChatIndex) MarkStatus(ctx context.Context, chatID int64, status models.LifecycleStatus) error {
	return idx.transition(ctx, chatID, func(rec *models.ChatRecord, now time.Time) {
		setStatus(rec, status, now)
	})
}

// MarkLeft records that the account left a conversation. The record is soft deleted and kept.
func (idx *ChatIndex) MarkLeft(ctx context.Context, chatID int64) error {
	return idx.transition(ctx, chatID, func(rec *models.ChatRecord, now time.Time) {
		setStatus(rec, models.LifecycleLeft, now)
		if rec.DeletedAt == nil {
			rec.DeletedAt = &now
		}
	})
}

// IncrementCounters adds to a conversation's sent and deleted totals.
func (idx *ChatIndex) IncrementCounters(ctx context.Context, chatID int64, sent, deleted int) error {
	if sent <= 0 && deleted <= 0 {
		return nil
	}
	return idx.transition(ctx, chatID, func(rec *models.ChatRecord, _ time.Time) {
		if sent > 0 {
			rec.SentTotal += sent
		}
		if deleted > 0 {
			rec.DeletedTotal += deleted
		}
	})
}

func setStatus(rec *models.ChatRecord, status models.LifecycleStatus, now time.Time) {
	if rec.Status == status {
		return
	}
	rec.Status = status
	rec.LastStatusChange = &now
}

func (idx *ChatIndex) transition(ctx context.Context, chatID int64, fn func(rec *models.ChatRecord, now time.Time)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	rec, ok := idx.records[chatID]
	if !ok {
		seen := now
		rec = &models.ChatRecord{ID: chatID, Status: models.LifecycleUnknown, FirstSeenAt: &seen}
		idx.records[chatID] = rec
	}
	fn(rec, now)
	return idx.persistLocked(ctx)
}

// Get returns a copy of a conversation's record.
func (idx *ChatIndex) Get(chatID int64) (models.ChatRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.records[chatID]
	if !ok {
		return models.ChatRecord{}, false
	}
	return copyRecord(rec), true
}

// List returns copies of the records ordered by id. Soft-deleted records are only included when
// includeDeleted is set.
func (idx *ChatIndex) List(includeDeleted bool) []models.ChatRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]models.ChatRecord, 0, len(idx.records))
	for _, rec := range idx.records {
		if rec.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StripScanFields removes scan-derived fields from every record, keeping identity and counters.
func (idx *ChatIndex) StripScanFields(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, rec := range idx.records {
		rec.LastScanAt = nil
		rec.LastFoundCount = nil
	}
	return idx.persistLocked(ctx)
}

// Reset drops every record.
func (idx *ChatIndex) Reset(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = make(map[int64]*models.ChatRecord)
	return idx.persistLocked(ctx)
}

func (idx *ChatIndex) persistLocked(ctx context.Context) error {
	if err := idx.persister.Backup(ctx, idx.accountID, models.DataGroups, idx.records); err != nil {
		return fmt.Errorf("failed to persist chat records: %w", err)
	}
	return nil
}

func copyRecord(rec *models.ChatRecord) models.ChatRecord {
	out := *rec
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
