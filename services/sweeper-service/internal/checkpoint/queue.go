package checkpoint

import (
	"sort"
	"sync"
	"time"
)

// SelfDestructTTL is how long a self-destructing item lives before it is due for deletion.
const SelfDestructTTL = time.Hour

// QueueItem is a sent item scheduled for timed deletion.
type QueueItem struct {
	ChatID    int64      `json:"chat_id"`
	ItemID    int64      `json:"item_id"`
	SentAt    time.Time  `json:"sent_at"`
	Deadline  time.Time  `json:"deadline"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ActiveItem is a queued item that is not yet due, with the time left until its deadline.
type ActiveItem struct {
	QueueItem
	Remaining time.Duration `json:"remaining"`
}

type queueKey struct {
	chatID int64
	itemID int64
}

// TemporaryQueue is the in-memory queue of timed deletions. It is not persisted.
type TemporaryQueue struct {
	mu    sync.Mutex
	items map[queueKey]*QueueItem
	now   func() time.Time
}

// NewTemporaryQueue creates an empty queue.
func NewTemporaryQueue(now func() time.Time) *TemporaryQueue {
	if now == nil {
		now = time.Now
	}
	return &TemporaryQueue{
		items: make(map[queueKey]*QueueItem),
		now:   now,
	}
}

// Add schedules an item for deletion one hour after sentAt (or after now when sentAt is zero).
// Re-adding an item reschedules it.
func (q *TemporaryQueue) Add(chatID, itemID int64, sentAt time.Time) QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sentAt.IsZero() {
		sentAt = q.now()
	}
	item := &QueueItem{
		ChatID:   chatID,
		ItemID:   itemID,
		SentAt:   sentAt,
		Deadline: sentAt.Add(SelfDestructTTL),
	}
	q.items[queueKey{chatID, itemID}] = item
	return *item
}

// Expired returns due items that have not been deleted yet, oldest deadline first.
func (q *TemporaryQueue) Expired() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []QueueItem
	for _, item := range q.items {
		if !item.Deleted && !item.Deadline.After(now) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Active returns items that are not yet due along with their remaining time.
func (q *TemporaryQueue) Active() []ActiveItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []ActiveItem
	for _, item := range q.items {
		if !item.Deleted && item.Deadline.After(now) {
			out = append(out, ActiveItem{QueueItem: *item, Remaining: item.Deadline.Sub(now)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// MarkDeleted flags an item as deleted. It reports whether the item was known.
func (q *TemporaryQueue) MarkDeleted(chatID, itemID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[queueKey{chatID, itemID}]
	if !ok {
		return false
	}
	if !item.Deleted {
		now := q.now()
		item.Deleted = true
		item.DeletedAt = &now
	}
	return true
}

// Remove drops an item from the queue. It reports whether the item was known.
func (q *TemporaryQueue) Remove(chatID, itemID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey{chatID, itemID}
	_, ok := q.items[key]
	delete(q.items, key)
	return ok
}

// Len returns the number of queued items, deleted ones included.
func (q *TemporaryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue.
func (q *TemporaryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[queueKey]*QueueItem)
}
