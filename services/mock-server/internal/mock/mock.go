package mock

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/stoik/chatsweep/internal/models"
)

var (
	firstNames = []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank"}
	lastNames  = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis"}
	topics     = []string{"Builders", "Runners", "Gardening", "Crypto Talk", "Photography", "Local News", "Board Games", "Job Board"}
	phrases    = []string{
		"Meeting tomorrow?",
		"Project update is out",
		"Has anyone tried the new release",
		"Lunch at noon",
		"Great photo!",
		"Check https://example.com for a discount",
		"Thanks everyone",
		"Follow up on this @admin",
	}
	rules = []string{
		"Rules: be kind.",
		"Rules: no links, no spam.",
		"No mentions please.",
		"",
	}

	ErrChatNotFound = errors.New("chat not found")
	ErrNotAuthor    = errors.New("only the author can delete a message")

	// Sessions map bearer tokens onto platform users.
	sessions = map[string]models.ProviderUser{
		"dev-session":   {ID: 42, Username: "dev", FirstName: "Dev", LastName: "Owner"},
		"other-session": {ID: 43, Username: "other", FirstName: "Other", LastName: "Owner"},
	}

	// Static chat list, maintained across calls
	chatList    []models.ProviderChat
	descByChat  map[int64]string
	chatCounter int

	// Message storage, newest last per chat
	messageStore map[int64][]models.ProviderMessage
	nextMessage  int64

	storeMutex sync.RWMutex

	failures      map[failureKey][]Failure
	failuresMutex sync.Mutex
)

const (
	seededChats       = 40
	seededPerChat     = 120
	generatorInterval = 30 * time.Second
)

func init() {
	chatList = make([]models.ProviderChat, 0, seededChats)
	descByChat = make(map[int64]string)
	messageStore = make(map[int64][]models.ProviderMessage)
	failures = make(map[failureKey][]Failure)
	nextMessage = 1

	start := time.Now().Add(-45 * 24 * time.Hour)
	for i := 0; i < seededChats; i++ {
		chat := generateChat(i)
		chatList = append(chatList, chat)
		descByChat[chat.ID] = rules[i%len(rules)]

		step := 45 * 24 * time.Hour / seededPerChat
		for j := 0; j < seededPerChat; j++ {
			appendMessageLocked(chat.ID, randomSender(), phrases[rand.Intn(len(phrases))], start.Add(time.Duration(j)*step))
		}
	}
	chatCounter = seededChats

	go generateMessagesPeriodically()
}

func generateChat(index int) models.ProviderChat {
	chatType := models.ChatTypeSupergroup
	switch index % 5 {
	case 3:
		chatType = models.ChatTypeGroup
	case 4:
		chatType = models.ChatTypeChannel
	}
	chat := models.ProviderChat{
		ID:          int64(1000 + index),
		Title:       fmt.Sprintf("%s %d", topics[index%len(topics)], index),
		Type:        chatType,
		MemberCount: 10 + rand.Intn(5000),
	}
	if index%2 == 0 {
		chat.Username = fmt.Sprintf("chat_%d", index)
	}
	return chat
}

// randomSender picks a session owner about one time in four, otherwise a stranger.
func randomSender() int64 {
	if rand.Intn(4) == 0 {
		if rand.Intn(2) == 0 {
			return 42
		}
		return 43
	}
	return int64(1000 + rand.Intn(500))
}

func appendMessageLocked(chatID, senderID int64, text string, at time.Time) models.ProviderMessage {
	msg := models.ProviderMessage{
		ID:       nextMessage,
		ChatID:   chatID,
		SenderID: senderID,
		Text:     text,
		Date:     at.UTC(),
	}
	nextMessage++
	messageStore[chatID] = append(messageStore[chatID], msg)
	return msg
}

// generateMessagesPeriodically posts 0-3 messages in every chat on each tick.
func generateMessagesPeriodically() {
	ticker := time.NewTicker(generatorInterval)
	defer ticker.Stop()

	for range ticker.C {
		storeMutex.Lock()
		now := time.Now()
		for _, chat := range chatList {
			for i := rand.Intn(4); i > 0; i-- {
				at := now.Add(-time.Duration(rand.Intn(30)) * time.Second)
				appendMessageLocked(chat.ID, randomSender(), phrases[rand.Intn(len(phrases))], at)
			}
			msgs := messageStore[chat.ID]
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		}
		storeMutex.Unlock()
	}
}

// Me resolves a bearer token into its user.
func Me(token string) (models.ProviderUser, bool) {
	u, ok := sessions[token]
	return u, ok
}

// GetChats returns one page of the static chat list, always in the same order.
func GetChats(offset, limit int) []models.ProviderChat {
	storeMutex.RLock()
	defer storeMutex.RUnlock()

	if offset >= len(chatList) {
		return []models.ProviderChat{}
	}
	end := offset + limit
	if end > len(chatList) {
		end = len(chatList)
	}
	out := make([]models.ProviderChat, end-offset)
	copy(out, chatList[offset:end])
	return out
}

// AddChats appends new chats to the static list.
func AddChats(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("numChats must be at least 1")
	}

	storeMutex.Lock()
	defer storeMutex.Unlock()

	for i := 0; i < n; i++ {
		chat := generateChat(chatCounter)
		chatList = append(chatList, chat)
		descByChat[chat.ID] = rules[chatCounter%len(rules)]
		messageStore[chat.ID] = nil
		chatCounter++
	}
	return len(chatList), nil
}

// MessageFilter bounds a GetMessages call.
type MessageFilter struct {
	OffsetID int64
	MinID    int64
	Since    time.Time
	Limit    int
}

// GetMessages returns a chat's messages newest first, with Out set for the viewer's own.
func GetMessages(chatID, viewerID int64, f MessageFilter) ([]models.ProviderMessage, error) {
	storeMutex.RLock()
	defer storeMutex.RUnlock()

	msgs, ok := messageStore[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	out := make([]models.ProviderMessage, 0, f.Limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < f.Limit; i-- {
		m := msgs[i]
		if f.OffsetID > 0 && m.ID >= f.OffsetID {
			continue
		}
		if m.ID <= f.MinID {
			break
		}
		if !f.Since.IsZero() && m.Date.Before(f.Since) {
			continue
		}
		m.Out = m.SenderID == viewerID
		out = append(out, m)
	}
	return out, nil
}

// SendMessage posts a message as the given user.
func SendMessage(chatID, senderID int64, text string) (models.ProviderMessage, error) {
	storeMutex.Lock()
	defer storeMutex.Unlock()

	if _, ok := messageStore[chatID]; !ok {
		return models.ProviderMessage{}, ErrChatNotFound
	}
	msg := appendMessageLocked(chatID, senderID, text, time.Now())
	msg.Out = true
	return msg, nil
}

// DeleteMessages removes the requested messages authored by senderID. Unknown ids are ignored,
// ids authored by someone else fail the whole call.
func DeleteMessages(chatID, senderID int64, ids []int64) (int, error) {
	storeMutex.Lock()
	defer storeMutex.Unlock()

	msgs, ok := messageStore[chatID]
	if !ok {
		return 0, ErrChatNotFound
	}

	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, m := range msgs {
		if wanted[m.ID] && m.SenderID != senderID {
			return 0, ErrNotAuthor
		}
	}

	kept := msgs[:0]
	deleted := 0
	for _, m := range msgs {
		if wanted[m.ID] {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	messageStore[chatID] = kept
	return deleted, nil
}

// GetDescription returns a chat's rules text.
func GetDescription(chatID int64) (models.ChatDescription, error) {
	storeMutex.RLock()
	defer storeMutex.RUnlock()

	if _, ok := messageStore[chatID]; !ok {
		return models.ChatDescription{}, ErrChatNotFound
	}
	return models.ChatDescription{ChatID: chatID, About: descByChat[chatID]}, nil
}
