package models

// ChatType classifies a conversation on the chat platform.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
)

// ProviderChat represents a conversation from the chat platform.
type ProviderChat struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Username    string   `json:"username,omitempty"`
	Type        ChatType `json:"type"`
	MemberCount int      `json:"member_count"`
}

// IsPrivate reports whether the conversation is a one-to-one dialog.
func (c ProviderChat) IsPrivate() bool {
	return c.Type == ChatTypePrivate
}

// ChatDescription carries the descriptive text (rules, about) of a conversation.
type ChatDescription struct {
	ChatID int64  `json:"chat_id"`
	About  string `json:"about"`
}
