// Package state holds the per-account store bundles shared by every operation of the process.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/checkpoint"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/index"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// Persister is the durable storage behind every per-account store.
type Persister interface {
	Backup(ctx context.Context, accountID string, dataType models.DataType, data any) error
	RestoreInto(ctx context.Context, accountID string, dataType models.DataType, v any) (bool, error)
	Delete(ctx context.Context, accountID string, dataType models.DataType) error
}

// Account bundles the stores of one account.
type Account struct {
	ID          string
	Checkpoints *checkpoint.Store
	Chats       *index.ChatIndex
	Items       *index.FoundItemIndex
}

// Registry lazily loads and caches account bundles. It is built once at startup and passed
// explicitly to whatever needs account state.
type Registry struct {
	persister Persister
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	accounts map[string]*Account
}

// NewRegistry creates an empty registry writing through persister.
func NewRegistry(persister Persister, log zerolog.Logger) *Registry {
	return &Registry{
		persister: persister,
		log:       log.With().Str("component", "state").Logger(),
		now:       time.Now,
		accounts:  make(map[string]*Account),
	}
}

// SetClock replaces the clock handed to account stores loaded after the call.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// For returns the bundle of an account, restoring it from backups on first use. The checkpoint
// store is wired to wipe both indexes on an owner change and to strip chat scan fields on a hard
// reset.
func (r *Registry) For(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if acct, ok := r.accounts[accountID]; ok {
		return acct, nil
	}

	cps, err := checkpoint.Load(ctx, accountID, r.persister, r.log)
	if err != nil {
		return nil, err
	}
	chats, err := index.LoadChatIndex(ctx, accountID, r.persister, r.log)
	if err != nil {
		return nil, err
	}
	items, err := index.LoadFoundItemIndex(ctx, accountID, r.persister, r.log)
	if err != nil {
		return nil, err
	}
	cps.SetClock(r.now)
	cps.OnOwnerChange(chats, items)
	cps.SetScanFieldStripper(chats)

	acct := &Account{ID: accountID, Checkpoints: cps, Chats: chats, Items: items}
	r.accounts[accountID] = acct
	r.log.Debug().Str("account_id", accountID).Msg("Loaded account state")
	return acct, nil
}

// Loaded returns the ids of the accounts loaded so far, sorted.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
