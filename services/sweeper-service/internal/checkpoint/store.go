// Package checkpoint keeps the resumable per-conversation scan state of an account, its scan
// progress snapshot and the queue of timed deletions.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// Persister is the durable storage the store writes through to.
type Persister interface {
	Backup(ctx context.Context, accountID string, dataType models.DataType, data any) error
	RestoreInto(ctx context.Context, accountID string, dataType models.DataType, v any) (bool, error)
	Delete(ctx context.Context, accountID string, dataType models.DataType) error
}

// Wiper is another per-account store that must be emptied when the owner changes.
type Wiper interface {
	Reset(ctx context.Context) error
}

// ScanFieldStripper removes scan-derived fields from chat records on a hard reset.
type ScanFieldStripper interface {
	StripScanFields(ctx context.Context) error
}

type snapshot struct {
	OwnerID     int64                            `json:"owner_id"`
	Checkpoints map[int64]*models.ScanCheckpoint `json:"checkpoints"`
	Progress    models.ScanProgress              `json:"progress"`
}

// Store holds the checkpoints of one account. Every mutation is written through to the
// Persister before returning.
type Store struct {
	accountID string
	persister Persister
	log       zerolog.Logger
	now       func() time.Time

	mu          sync.Mutex
	ownerID     int64
	checkpoints map[int64]*models.ScanCheckpoint
	progress    models.ScanProgress

	queue    *TemporaryQueue
	wipers   []Wiper
	stripper ScanFieldStripper
}

// Load restores the store of an account from its latest backup, or starts empty.
func Load(ctx context.Context, accountID string, persister Persister, log zerolog.Logger) (*Store, error) {
	s := &Store{
		accountID:   accountID,
		persister:   persister,
		log:         log.With().Str("component", "checkpoints").Str("account_id", accountID).Logger(),
		now:         time.Now,
		checkpoints: make(map[int64]*models.ScanCheckpoint),
		progress:    models.ScanProgress{Status: models.ProgressIdle},
	}
	s.queue = NewTemporaryQueue(func() time.Time { return s.now() })

	var snap snapshot
	found, err := persister.RestoreInto(ctx, accountID, models.DataCheckpoints, &snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoints: %w", err)
	}
	if found {
		s.ownerID = snap.OwnerID
		if snap.Checkpoints != nil {
			s.checkpoints = snap.Checkpoints
		}
		s.progress = snap.Progress
		s.log.Debug().Int("checkpoints", len(s.checkpoints)).Msg("Restored checkpoints")
	}
	return s, nil
}

// OnOwnerChange registers stores that are wiped together with the checkpoints when the owner
// changes.
func (s *Store) OnOwnerChange(w ...Wiper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipers = append(s.wipers, w...)
}

// SetScanFieldStripper registers the chat record store stripped on a hard reset.
func (s *Store) SetScanFieldStripper(st ScanFieldStripper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stripper = st
}

// SetClock replaces the clock used for progress timestamps and queue deadlines.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Queue returns the account's timed deletion queue.
func (s *Store) Queue() *TemporaryQueue {
	return s.queue
}

// OwnerID returns the remote identity the stored state belongs to, or 0 when unknown.
func (s *Store) OwnerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// Get returns a copy of a conversation's checkpoint. With requirePriorDeletion set, only a
// checkpoint that has recorded at least one deletion is returned.
func (s *Store) Get(chatID int64, requirePriorDeletion bool) (models.ScanCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[chatID]
	if !ok {
		return models.ScanCheckpoint{}, false
	}
	if requirePriorDeletion && cp.ItemsDeleted <= 0 {
		return models.ScanCheckpoint{}, false
	}
	return *cp, true
}

// All returns copies of every checkpoint ordered by chat id.
func (s *Store) All() []models.ScanCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScanCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Update advances a conversation's cursor, adds deletedDelta to its deletion counter and, when
// foundTotal is not negative, replaces its found total. The cursor never moves backwards.
func (s *Store) Update(ctx context.Context, chatID, cursor int64, deletedDelta, foundTotal int) error {
	return s.Patch(ctx, chatID, func(cp *models.ScanCheckpoint) {
		if cursor > cp.Cursor {
			cp.Cursor = cursor
		}
		if deletedDelta > 0 {
			cp.ItemsDeleted += deletedDelta
		}
		if foundTotal >= 0 {
			cp.TotalItemsFound = foundTotal
		}
	})
}

// Patch applies fn to a conversation's checkpoint, creating it when absent, and writes through.
func (s *Store) Patch(ctx context.Context, chatID int64, fn func(cp *models.ScanCheckpoint)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[chatID]
	if !ok {
		cp = &models.ScanCheckpoint{ChatID: chatID, ScanState: models.ScanStateIdle}
		s.checkpoints[chatID] = cp
	}
	fn(cp)
	cp.ChatID = chatID
	return s.persistLocked(ctx)
}

// Progress returns a copy of the account's scan progress snapshot.
func (s *Store) Progress() models.ScanProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.progress
	p.ScannedChats = append([]models.ChatSummary(nil), s.progress.ScannedChats...)
	return p
}

// UpdateProgress merges a partial update into the progress snapshot. Chat summaries are
// upserted by chat id; entries not mentioned in the update are kept.
func (s *Store) UpdateProgress(ctx context.Context, u models.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.progress
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.RunID != nil {
		p.RunID = *u.RunID
	}
	if u.TotalChats != nil {
		p.TotalChats = *u.TotalChats
	}
	if u.Eligible != nil {
		p.Eligible = *u.Eligible
	}
	if u.Processed != nil {
		p.Processed = *u.Processed
	}
	if u.TotalFound != nil {
		p.TotalFound = *u.TotalFound
	}
	if u.CurrentChat != nil {
		p.CurrentChat = *u.CurrentChat
	}
	if u.StartedAt != nil {
		started := *u.StartedAt
		p.StartedAt = &started
	}
	for _, incoming := range u.Chats {
		p.ScannedChats = upsertSummary(p.ScannedChats, incoming)
	}
	now := s.now()
	p.UpdatedAt = &now

	return s.persistLocked(ctx)
}

func upsertSummary(list []models.ChatSummary, incoming models.ChatSummary) []models.ChatSummary {
	for i := range list {
		if list[i].ChatID == incoming.ChatID {
			if incoming.Title == "" {
				incoming.Title = list[i].Title
			}
			list[i] = incoming
			return list
		}
	}
	return append(list, incoming)
}

// SoftReset clears the transient scan fields of the given conversations (all when none are
// given) while keeping their historical counters.
func (s *Store) SoftReset(ctx context.Context, chatIDs ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(chatIDs) == 0 {
		for _, cp := range s.checkpoints {
			cp.ClearTransient()
		}
		s.progress.Status = models.ProgressIdle
		s.progress.CurrentChat = 0
	} else {
		for _, id := range chatIDs {
			if cp, ok := s.checkpoints[id]; ok {
				cp.ClearTransient()
			}
		}
	}
	s.log.Info().Ints64("chat_ids", chatIDs).Msg("Soft reset checkpoints")
	return s.persistLocked(ctx)
}

// HardReset drops every checkpoint and the progress snapshot, deletes the persisted checkpoint
// backups and strips scan-derived fields from chat records.
func (s *Store) HardReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	if err := s.persister.Delete(ctx, s.accountID, models.DataCheckpoints); err != nil {
		return fmt.Errorf("failed to delete persisted checkpoints: %w", err)
	}
	if s.stripper != nil {
		if err := s.stripper.StripScanFields(ctx); err != nil {
			return fmt.Errorf("failed to strip chat scan fields: %w", err)
		}
	}
	s.log.Info().Msg("Hard reset checkpoints")
	return nil
}

// EnsureOwner records the remote identity owning the account's state. When it differs from the
// stored one, every checkpoint, the progress snapshot, the queue and all registered stores are
// wiped before the new owner is recorded. It reports whether a wipe happened.
func (s *Store) EnsureOwner(ctx context.Context, ownerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ownerID == ownerID {
		return false, nil
	}

	if s.ownerID == 0 {
		s.ownerID = ownerID
		s.log.Info().Int64("owner_id", ownerID).Msg("Recorded account owner")
		return false, s.persistLocked(ctx)
	}

	s.log.Warn().
		Int64("previous_owner_id", s.ownerID).
		Int64("owner_id", ownerID).
		Msg("Account owner changed, wiping stored state")

	s.clearLocked()
	for _, w := range s.wipers {
		if err := w.Reset(ctx); err != nil {
			return true, fmt.Errorf("failed to wipe state for new owner: %w", err)
		}
	}
	if err := s.persister.Delete(ctx, s.accountID, models.DataCheckpoints); err != nil {
		return true, fmt.Errorf("failed to delete persisted checkpoints: %w", err)
	}
	s.ownerID = ownerID
	return true, s.persistLocked(ctx)
}

func (s *Store) clearLocked() {
	s.checkpoints = make(map[int64]*models.ScanCheckpoint)
	s.progress = models.ScanProgress{Status: models.ProgressIdle}
	s.queue.Clear()
}

func (s *Store) persistLocked(ctx context.Context) error {
	snap := snapshot{
		OwnerID:     s.ownerID,
		Checkpoints: s.checkpoints,
		Progress:    s.progress,
	}
	if err := s.persister.Backup(ctx, s.accountID, models.DataCheckpoints, snap); err != nil {
		return fmt.Errorf("failed to persist checkpoints: %w", err)
	}
	return nil
}
