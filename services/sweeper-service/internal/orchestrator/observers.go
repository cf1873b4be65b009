package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultObserverCapacity bounds how many observers may be registered at once.
const DefaultObserverCapacity = 16

var ErrObserverLimit = errors.New("observer capacity reached")

// Observer receives every status transition of an operation. A returned error is logged and
// otherwise ignored.
type Observer func(message string, payload map[string]any) error

type registeredObserver struct {
	id uuid.UUID
	fn Observer
}

// Observers is a fixed-capacity observer list. Dispatch iterates over a snapshot taken under the
// lock, so observers may register or unregister from inside a callback.
type Observers struct {
	capacity int
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers []registeredObserver
}

// NewObservers creates an empty list holding at most capacity observers.
func NewObservers(capacity int, log zerolog.Logger) *Observers {
	if capacity <= 0 {
		capacity = DefaultObserverCapacity
	}
	return &Observers{
		capacity: capacity,
		log:      log.With().Str("component", "observers").Logger(),
	}
}

// Register adds an observer and returns the handle used to unregister it.
func (o *Observers) Register(fn Observer) (uuid.UUID, error) {
	if fn == nil {
		return uuid.Nil, fmt.Errorf("observer is nil")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.handlers) >= o.capacity {
		return uuid.Nil, ErrObserverLimit
	}
	id := uuid.New()
	o.handlers = append(o.handlers, registeredObserver{id: id, fn: fn})
	return id, nil
}

// Unregister removes an observer. It reports whether the handle was known.
func (o *Observers) Unregister(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, h := range o.handlers {
		if h.id == id {
			o.handlers = append(o.handlers[:i:i], o.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered observers.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}

// Notify dispatches a transition to every observer registered at call time.
func (o *Observers) Notify(message string, payload map[string]any) {
	o.mu.RLock()
	snapshot := make([]registeredObserver, len(o.handlers))
	copy(snapshot, o.handlers)
	o.mu.RUnlock()

	for _, h := range snapshot {
		o.dispatch(h, message, payload)
	}
}

func (o *Observers) dispatch(h registeredObserver, message string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("observer", h.id.String()).
				Str("event", message).
				Interface("panic", r).
				Msg("Observer panicked")
		}
	}()

	if err := h.fn(message, payload); err != nil {
		o.log.Warn().
			Err(err).
			Str("observer", h.id.String()).
			Str("event", message).
			Msg("Observer failed")
	}
}
