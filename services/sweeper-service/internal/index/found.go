package index

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Query filters and paginates found items.
type Query struct {
	// ChatID scopes the query to one conversation when non-zero.
	ChatID int64
	// Search keeps items whose content contains it, case-insensitively.
	Search         string
	IncludeDeleted bool
	Limit          int
	// Cursor is the opaque NextCursor of a previous page.
	Cursor string
}

// Page is one page of found items.
type Page struct {
	Items      []models.FoundItem `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// FoundItemIndex stores the messages found by scans, keyed by (chat, item).
type FoundItemIndex struct {
	accountID string
	persister Persister
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	items map[string]*models.FoundItem
}

// LoadFoundItemIndex restores the found items of an account from its latest backup.
func LoadFoundItemIndex(ctx context.Context, accountID string, persister Persister, log zerolog.Logger) (*FoundItemIndex, error) {
	idx := &FoundItemIndex{
		accountID: accountID,
		persister: persister,
		log:       log.With().Str("component", "found_items").Str("account_id", accountID).Logger(),
		now:       time.Now,
		items:     make(map[string]*models.FoundItem),
	}

	var items map[string]*models.FoundItem
	found, err := persister.RestoreInto(ctx, accountID, models.DataScan, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to restore found items: %w", err)
	}
	if found && items != nil {
		idx.items = items
	}
	return idx, nil
}

// ReplaceChatMessages replaces the live item set of one conversation: prior live entries are
// dropped, then items are inserted. Deleted entries are history and are kept; an incoming item
// matching a deleted entry does not revive it. found_at of re-found items is preserved.
func (idx *FoundItemIndex) ReplaceChatMessages(ctx context.Context, chatID int64, items []models.FoundItem) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	previous := make(map[string]*models.FoundItem)
	for key, item := range idx.items {
		if item.ChatID == chatID && !item.Deleted {
			previous[key] = item
			delete(idx.items, key)
		}
	}

	now := idx.now()
	for _, in := range items {
		item := in
		item.ChatID = chatID
		item.Key = models.ItemKey(chatID, item.ItemID)
		if existing, ok := idx.items[item.Key]; ok && existing.Deleted {
			continue
		}
		if prev, ok := previous[item.Key]; ok && !prev.FoundAt.IsZero() {
			item.FoundAt = prev.FoundAt
		}
		if item.FoundAt.IsZero() {
			item.FoundAt = now
		}
		item.Deleted = false
		item.DeletedAt = nil
		item.Status = models.FoundItemPending
		idx.items[item.Key] = &item
	}

	return idx.persistLocked(ctx)
}

// ApplyDeleteResults records the outcome of remote deletions. A success marks the item deleted
// (an item already deleted is not counted again); a failure records its reason.
func (idx *FoundItemIndex) ApplyDeleteResults(ctx context.Context, chatID int64, results []models.DeleteResult) (models.DeleteSummary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	summary := models.DeleteSummary{FailedItems: make(map[int64]string)}
	now := idx.now()
	for _, r := range results {
		item, known := idx.items[models.ItemKey(chatID, r.ItemID)]
		if r.OK {
			if known && item.Deleted {
				continue
			}
			if known {
				deletedAt := now
				item.Deleted = true
				item.DeletedAt = &deletedAt
				item.Status = models.FoundItemDeleted
				item.FailReason = ""
			}
			summary.Deleted++
			continue
		}

		reason := r.Reason
		if reason == "" {
			reason = "unknown"
		}
		summary.Failed++
		summary.FailedItems[r.ItemID] = reason
		if known {
			item.FailReason = reason
		}
	}

	return summary, idx.persistLocked(ctx)
}

// LiveItems returns the not-yet-deleted items of a conversation, newest item id first.
func (idx *FoundItemIndex) LiveItems(chatID int64) []models.FoundItem {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []models.FoundItem
	for _, item := range idx.items {
		if item.ChatID == chatID && !item.Deleted {
			out = append(out, readItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID > out[j].ItemID })
	return out
}

// GetAll returns one page of items ordered by chat id, then item id descending. The returned
// cursor continues after the last item of the page and is empty once the results are exhausted.
func (idx *FoundItemIndex) GetAll(q Query) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var after *position
	if q.Cursor != "" {
		pos, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		after = &pos
	}
	search := strings.ToLower(q.Search)

	idx.mu.RLock()
	var matched []models.FoundItem
	for _, item := range idx.items {
		if q.ChatID != 0 && item.ChatID != q.ChatID {
			continue
		}
		if item.Deleted && !q.IncludeDeleted {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(item.Content), search) {
			continue
		}
		if after != nil && !after.before(position{item.ChatID, item.ItemID}) {
			continue
		}
		matched = append(matched, readItem(item))
	}
	idx.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return position{matched[i].ChatID, matched[i].ItemID}.before(position{matched[j].ChatID, matched[j].ItemID})
	})

	page := Page{Items: matched}
	if len(matched) > limit {
		page.Items = matched[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(position{last.ChatID, last.ItemID})
	}
	return page, nil
}

// Summary returns the live and deleted counts of every conversation, ordered by chat id.
func (idx *FoundItemIndex) Summary() []models.ChatItemSummary {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byChat := make(map[int64]*models.ChatItemSummary)
	for _, item := range idx.items {
		s, ok := byChat[item.ChatID]
		if !ok {
			s = &models.ChatItemSummary{ChatID: item.ChatID}
			byChat[item.ChatID] = s
		}
		if item.ChatTitle != "" {
			s.ChatTitle = item.ChatTitle
		}
		if item.Deleted {
			s.Deleted++
		} else {
			s.Live++
		}
	}

	out := make([]models.ChatItemSummary, 0, len(byChat))
	for _, s := range byChat {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Count returns the total number of live and deleted items.
func (idx *FoundItemIndex) Count() (live, deleted int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, item := range idx.items {
		if item.Deleted {
			deleted++
		} else {
			live++
		}
	}
	return live, deleted
}

// Purge hard-deletes every item of a conversation, history included.
func (idx *FoundItemIndex) Purge(ctx context.Context, chatID int64) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := 0
	for key, item := range idx.items {
		if item.ChatID == chatID {
			delete(idx.items, key)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, idx.persistLocked(ctx)
}

// Reset drops every item.
func (idx *FoundItemIndex) Reset(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.items = make(map[string]*models.FoundItem)
	return idx.persistLocked(ctx)
}

func (idx *FoundItemIndex) persistLocked(ctx context.Context) error {
	if err := idx.persister.Backup(ctx, idx.accountID, models.DataScan, idx.items); err != nil {
		return fmt.Errorf("failed to persist found items: %w", err)
	}
	return nil
}

func readItem(item *models.FoundItem) models.FoundItem {
	out := *item
	if out.Deleted {
		out.Status = models.FoundItemDeleted
	} else {
		out.Status = models.FoundItemPending
	}
	if item.Metadata != nil {
		out.Metadata = make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// position is a point in the (chat asc, item desc) ordering.
type position struct {
	chatID int64
	itemID int64
}

func (p position) before(o position) bool {
	if p.chatID != o.chatID {
		return p.chatID < o.chatID
	}
	return p.itemID > o.itemID
}

func encodeCursor(p position) string {
	raw := strconv.FormatInt(p.chatID, 10) + ":" + strconv.FormatInt(p.itemID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	chatPart, itemPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return position{}, ErrInvalidCursor
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	itemID, err := strconv.ParseInt(itemPart, 10, 64)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	return position{chatID, itemID}, nil
}
