package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAuthorized  = errors.New("session is not authorized")
	ErrNotConnected   = errors.New("client is not connected")
	ErrResourceLocked = errors.New("remote resource is locked")
)

// Permission reasons reported by the platform.
const (
	ReasonForbidden     = "forbidden"
	ReasonBanned        = "banned"
	ReasonAdminRequired = "admin_required"
)

// RateLimitedError is returned when the platform asks the client to pause before retrying.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// PermissionError is returned when the session may not act on a conversation.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// TransientError wraps any other failed call that is worth retrying.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Kind is the recovery class of an error returned by a Provider.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimited
	KindLocked
	KindPermission
	KindAuth
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindLocked:
		return "resource_locked"
	case KindPermission:
		return "permission_denied"
	case KindAuth:
		return "not_authorized"
	default:
		return "transient"
	}
}

// Classify maps an error onto its recovery class. Unknown errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var rl *RateLimitedError
	var pe *PermissionError
	switch {
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.Is(err, ErrResourceLocked):
		return KindLocked
	case errors.As(err, &pe):
		return KindPermission
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotConnected):
		return KindAuth
	default:
		return KindTransient
	}
}

// PermissionReason returns the reason carried by a PermissionError, or "".
func PermissionReason(err error) string {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
