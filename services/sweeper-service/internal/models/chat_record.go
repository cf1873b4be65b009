package models

import (
	"time"
)

// LifecycleStatus tracks the account's membership state in a conversation.
type LifecycleStatus string

const (
	LifecycleUnknown    LifecycleStatus = "unknown"
	LifecycleActive     LifecycleStatus = "active"
	LifecycleLeft       LifecycleStatus = "left"
	LifecycleBanned     LifecycleStatus = "banned"
	LifecycleRestricted LifecycleStatus = "restricted"
)

// ChatRecord is the durable lifecycle record of a conversation.
type ChatRecord struct {
	ID          int64           `json:"id"`
	Platform    string          `json:"platform"`
	Title       string          `json:"title"`
	Username    string          `json:"username,omitempty"`
	Type        string          `json:"type,omitempty"`
	MemberCount int             `json:"member_count"`
	Status      LifecycleStatus `json:"lifecycle_status"`

	SentTotal    int `json:"sent_total"`
	DeletedTotal int `json:"deleted_total"`

	Metadata map[string]string `json:"metadata,omitempty"`

	JoinedAt         *time.Time `json:"joined_at,omitempty"`
	FirstSeenAt      *time.Time `json:"first_seen_at,omitempty"`
	LastStatusChange *time.Time `json:"last_status_change,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`

	// Scan-derived fields, stripped on a hard reset.
	LastScanAt     *time.Time `json:"last_scan_at,omitempty"`
	LastFoundCount *int       `json:"last_found_count,omitempty"`
}

// ChatScanRecord is what a scan pass observed about a conversation. Nil fields mean the scan
// did not observe that value and must not overwrite what is stored.
type ChatScanRecord struct {
	ID          int64
	Platform    *string
	Title       *string
	Username    *string
	Type        *string
	MemberCount *int
	Metadata    map[string]string
	ScannedAt   *time.Time
	FoundCount  *int
}
