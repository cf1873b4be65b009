package models

import (
	"fmt"
	"time"
)

// FoundItemStatus is the read-side status of a found item.
type FoundItemStatus string

const (
	FoundItemPending FoundItemStatus = "pending"
	FoundItemDeleted FoundItemStatus = "deleted"
)

// FoundItem is a discovered message matching the scan filters.
type FoundItem struct {
	Key        string            `json:"key"`
	ChatID     int64             `json:"chat_id"`
	ChatTitle  string            `json:"chat_title"`
	ItemID     int64             `json:"item_id"`
	Content    string            `json:"content"`
	Date       time.Time         `json:"date"`
	FoundAt    time.Time         `json:"found_at"`
	Sender     string            `json:"sender"`
	Link       string            `json:"link"`
	CanDelete  bool              `json:"can_delete"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Deleted    bool              `json:"deleted"`
	DeletedAt  *time.Time        `json:"deleted_at"`
	Status     FoundItemStatus   `json:"status"`
	FailReason string            `json:"fail_reason,omitempty"`
}

// ItemKey builds the unique key of a found item.
func ItemKey(chatID, itemID int64) string {
	return fmt.Sprintf("%d:%d", chatID, itemID)
}

// DeleteResult is the outcome of a remote delete for one item.
type DeleteResult struct {
	ItemID int64
	OK     bool
	Reason string
}

// DeleteSummary aggregates ApplyDeleteResults for one conversation.
type DeleteSummary struct {
	Deleted     int              `json:"deleted"`
	Failed      int              `json:"failed"`
	FailedItems map[int64]string `json:"failed_items"`
}

// ChatItemSummary is the live-vs-deleted breakdown for one conversation.
type ChatItemSummary struct {
	ChatID    int64  `json:"chat_id"`
	ChatTitle string `json:"chat_title"`
	Live      int    `json:"live"`
	Deleted   int    `json:"deleted"`
}
