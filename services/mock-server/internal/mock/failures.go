package mock

import "fmt"

// Operations a failure can be injected into.
const (
	OpMessages    = "messages"
	OpSend        = "send"
	OpDelete      = "delete"
	OpDescription = "description"
)

// Failure is a scripted error response. ChatID zero matches every chat.
type Failure struct {
	ChatID     int64  `json:"chat_id"`
	Op         string `json:"op" binding:"required"`
	Status     int    `json:"status" binding:"required"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	// Count is how many calls fail before the operation recovers.
	Count int `json:"count"`
}

type failureKey struct {
	chatID int64
	op     string
}

// InjectFailure queues a failure for the next matching calls.
func InjectFailure(f Failure) error {
	switch f.Op {
	case OpMessages, OpSend, OpDelete, OpDescription:
	default:
		return fmt.Errorf("unknown op %q", f.Op)
	}
	if f.Status < 400 {
		return fmt.Errorf("status must be an error status, got %d", f.Status)
	}
	if f.Count < 1 {
		f.Count = 1
	}

	failuresMutex.Lock()
	defer failuresMutex.Unlock()
	key := failureKey{f.ChatID, f.Op}
	failures[key] = append(failures[key], f)
	return nil
}

// TakeFailure consumes one pending failure for the call, chat-specific ones first.
func TakeFailure(chatID int64, op string) (Failure, bool) {
	failuresMutex.Lock()
	defer failuresMutex.Unlock()

	for _, key := range []failureKey{{chatID, op}, {0, op}} {
		queue := failures[key]
		if len(queue) == 0 {
			continue
		}
		f := queue[0]
		queue[0].Count--
		if queue[0].Count <= 0 {
			queue = queue[1:]
		}
		if len(queue) == 0 {
			delete(failures, key)
		} else {
			failures[key] = queue
		}
		return f, true
	}
	return Failure{}, false
}

// ClearFailures drops every pending failure.
func ClearFailures() {
	failuresMutex.Lock()
	defer failuresMutex.Unlock()
	failures = make(map[failureKey][]Failure)
}
