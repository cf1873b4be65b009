package models

import (
	"time"
)

// ScanState is the lifecycle position of a conversation within a scan.
type ScanState string

const (
	ScanStateIdle    ScanState = "idle"
	ScanStateQueued  ScanState = "queued"
	ScanStateRunning ScanState = "running"
	ScanStatePartial ScanState = "partial"
	ScanStateDone    ScanState = "done"
	ScanStateError   ScanState = "error"
)

// ScanCheckpoint is the durable cursor and metadata marking scan/delete progress for one
// conversation of one account.
type ScanCheckpoint struct {
	ChatID    int64      `json:"chat_id"`
	ChatTitle string     `json:"chat_title"`
	Cursor    int64      `json:"cursor"`
	LastScan  *time.Time `json:"last_scan_date"`

	ItemsDeleted    int `json:"items_deleted"`
	TotalItemsFound int `json:"total_items_found"`
	MemberCount     int `json:"member_count"`

	ScanState          ScanState `json:"scan_state"`
	TotalEstimate      int       `json:"total_estimate"`
	ScannedCount       int       `json:"scanned_count"`
	HasUnscannedWindow bool      `json:"has_unscanned_window"`

	RulesText  string     `json:"rules_text"`
	LastSentAt *time.Time `json:"last_sent_at"`
	SendStatus string     `json:"send_status"`
	SendError  string     `json:"send_error"`
}

// ClearTransient drops the fields describing an in-flight scan while keeping historical
// counters and the send trail.
func (c *ScanCheckpoint) ClearTransient() {
	c.Cursor = 0
	c.LastScan = nil
	c.ScanState = ScanStateIdle
	c.TotalEstimate = 0
	c.ScannedCount = 0
	c.HasUnscannedWindow = false
}

// ProgressStatus is the account-wide state of the current or last scan.
type ProgressStatus string

const (
	ProgressIdle     ProgressStatus = "idle"
	ProgressScanning ProgressStatus = "scanning"
	ProgressPaused   ProgressStatus = "paused"
	ProgressDone     ProgressStatus = "done"
	ProgressError    ProgressStatus = "error"
)

// ChatSummary is the per-conversation entry of a ScanProgress snapshot.
type ChatSummary struct {
	ChatID    int64     `json:"chat_id"`
	Title     string    `json:"title"`
	State     ScanState `json:"state"`
	Found     int       `json:"found"`
	Scanned   int       `json:"scanned"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanProgress is the mutable per-account snapshot of scan progress.
type ScanProgress struct {
	Status       ProgressStatus `json:"status"`
	RunID        string         `json:"run_id,omitempty"`
	TotalChats   int            `json:"total_chats"`
	Eligible     int            `json:"eligible"`
	Processed    int            `json:"processed"`
	TotalFound   int            `json:"total_found"`
	CurrentChat  int64          `json:"current_chat,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
	ScannedChats []ChatSummary  `json:"scanned_chats"`
}

// ProgressUpdate is a partial ScanProgress. Nil fields are left untouched when merged.
type ProgressUpdate struct {
	Status      *ProgressStatus
	RunID       *string
	TotalChats  *int
	Eligible    *int
	Processed   *int
	TotalFound  *int
	CurrentChat *int64
	StartedAt   *time.Time
	Chats       []ChatSummary
}
