package models

import (
	"time"
)

// ProviderMessage represents a single item of a conversation as returned by the chat platform.
type ProviderMessage struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chat_id"`
	SenderID int64     `json:"sender_id"`
	Text     string    `json:"text"`
	Date     time.Time `json:"date"`
	// Out is set when the message was authored by the authenticated session owner.
	Out bool `json:"out"`
}

// DeleteRequest is the body of a batch delete call.
type DeleteRequest struct {
	IDs    []int64 `json:"ids"`
	Revoke bool    `json:"revoke"`
}

// DeleteResponse reports how many of the requested ids were removed.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// SendRequest is the body of a send call.
type SendRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body returned by the platform on any non-2xx status.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	// RetryAfter is set on rate-limited responses and mirrors the Retry-After header.
	RetryAfter int `json:"retry_after,omitempty"`
}
