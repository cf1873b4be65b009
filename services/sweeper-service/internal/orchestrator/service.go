// Package orchestrator drives the scan, delete and send operations of an account against its chat
// platform session and its durable stores.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stoik/chatsweep/internal/models"
	sweepermodels "github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/state"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPageSize          = 100
	DefaultDeleteBatchSize   = 5
	DefaultDeleteDelay       = 200 * time.Millisecond
	DefaultStatusConcurrency = 4

	// ScanWindow is how far back a scan reaches when the last scan is older than it.
	ScanWindow = 30 * 24 * time.Hour
	// BoundaryLimit is how many consecutive non-matching items end a scan with no hits.
	BoundaryLimit = 50
)

// AccountLookup resolves an account id into its stored credentials.
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (sweepermodels.Account, error)
}

// ProviderFactory opens a platform client for a session handle.
type ProviderFactory func(sessionHandle string) provider.Provider

// Config tunes the orchestrator.
type Config struct {
	// MinMembers is the member count a conversation must exceed to be scanned.
	MinMembers int
	// ScanBatchSize caps how many eligible conversations one scan processes. Zero means all.
	ScanBatchSize int
	PageSize      int
	// DeleteBatchSize is how many items one delete call removes.
	DeleteBatchSize int
	// DeleteDelay is the pause per deleted item inserted between delete batches.
	DeleteDelay       time.Duration
	MaxAttempts       int
	StatusConcurrency int
	// Platform is recorded on chat records.
	Platform string
	// LinkBase builds item links for public conversations when set.
	LinkBase string
}

// ConfigFromViper reads the orchestrator settings.
func ConfigFromViper() Config {
	return Config{
		MinMembers:        viper.GetInt("scan.min_members"),
		ScanBatchSize:     viper.GetInt("scan.batch_size"),
		PageSize:          viper.GetInt("scan.page_size"),
		DeleteBatchSize:   viper.GetInt("delete.batch_size"),
		DeleteDelay:       viper.GetDuration("delete.delay"),
		MaxAttempts:       viper.GetInt("retry.max_attempts"),
		StatusConcurrency: viper.GetInt("status.concurrency"),
		Platform:          viper.GetString("provider.platform"),
		LinkBase:          viper.GetString("provider.link_base"),
	}
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if c.DeleteDelay < 0 {
		c.DeleteDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.StatusConcurrency <= 0 {
		c.StatusConcurrency = DefaultStatusConcurrency
	}
	if c.Platform == "" {
		c.Platform = "chat"
	}
	return c
}

// session is the single platform connection of an account. Holding mu serializes every
// operation of the account, connection setup included.
type session struct {
	mu        sync.Mutex
	handle    string
	client    provider.Provider
	connected bool
	owner     models.ProviderUser
}

// Service runs operations for any number of accounts. Operations of one account run strictly in
// sequence; distinct accounts may run concurrently.
type Service struct {
	cfg         Config
	accounts    AccountLookup
	newProvider ProviderFactory
	registry    *state.Registry
	observers   *Observers
	log         zerolog.Logger
	gate        *semaphore.Weighted

	now   func() time.Time
	sleep sleeper

	sessionsMu sync.Mutex
	sessions   map[string]*session
}

// NewService creates an orchestrator.
func NewService(cfg Config, accounts AccountLookup, newProvider ProviderFactory, registry *state.Registry, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	log = log.With().Str("component", "orchestrator").Logger()
	return &Service{
		cfg:         cfg,
		accounts:    accounts,
		newProvider: newProvider,
		registry:    registry,
		observers:   NewObservers(DefaultObserverCapacity, log),
		log:         log,
		gate:        semaphore.NewWeighted(int64(cfg.StatusConcurrency)),
		now:         time.Now,
		sleep:       sleepContext,
		sessions:    make(map[string]*session),
	}
}

// Observers returns the observer list notified on every transition.
func (s *Service) Observers() *Observers {
	return s.observers
}

func (s *Service) retry(log zerolog.Logger) retryPolicy {
	return retryPolicy{maxAttempts: s.cfg.MaxAttempts, sleep: s.sleep, log: log}
}

func (s *Service) notify(message string, payload map[string]any) {
	s.observers.Notify(message, payload)
}

func (s *Service) sessionFor(handle string) *session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sess, ok := s.sessions[handle]
	if !ok {
		sess = &session{handle: handle}
		s.sessions[handle] = sess
	}
	return sess
}

// lease is an exclusive hold on an account's connected session and its stores.
type lease struct {
	accountID string
	client    provider.Provider
	owner     models.ProviderUser
	state     *state.Account
	log       zerolog.Logger
	release   func()
}

// acquire resolves an account, takes its session lock, connects when needed and records the
// session owner, wiping stored state if the owner changed. Failures here abort the operation.
func (s *Service) acquire(ctx context.Context, accountID string) (*lease, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account %s: %w", accountID, err)
	}
	if acct.SessionHandle == "" {
		return nil, fmt.Errorf("account %s has no session: %w", accountID, provider.ErrNotAuthorized)
	}

	st, err := s.registry.For(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account state: %w", err)
	}

	sess := s.sessionFor(acct.SessionHandle)
	sess.mu.Lock()
	log := s.log.With().Str("account_id", accountID).Logger()
	if err := s.connectLocked(ctx, sess, log); err != nil {
		sess.mu.Unlock()
		return nil, err
	}

	wiped, err := st.Checkpoints.EnsureOwner(ctx, sess.owner.ID)
	if err != nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("failed to record account owner: %w", err)
	}
	if wiped {
		s.notify("account.owner_changed", map[string]any{"account_id": accountID, "owner_id": sess.owner.ID})
	}

	return &lease{
		accountID: accountID,
		client:    sess.client,
		owner:     sess.owner,
		state:     st,
		log:       log,
		release:   sess.mu.Unlock,
	}, nil
}

func (s *Service) connectLocked(ctx context.Context, sess *session, log zerolog.Logger) error {
	if sess.client == nil {
		sess.client = s.newProvider(sess.handle)
	}
	policy := s.retry(log)

	if !sess.connected {
		if _, err := withRetry(ctx, policy, "connect", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sess.client.Connect(ctx)
		}); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		sess.connected = true
		log.Info().Msg("Connected session")
	}

	me, err := withRetry(ctx, policy, "me", sess.client.Me)
	if err != nil {
		if provider.Classify(err) == provider.KindAuth {
			sess.connected = false
		}
		return fmt.Errorf("failed to resolve session owner: %w", err)
	}
	sess.owner = me
	return nil
}

// Close disconnects every session.
func (s *Service) Close() error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	var errs []error
	for handle, sess := range s.sessions {
		sess.mu.Lock()
		if sess.client != nil {
			if err := sess.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		sess.connected = false
		sess.mu.Unlock()
		delete(s.sessions, handle)
	}
	return errors.Join(errs...)
}

// AccountStatus is the connection state of one account.
type AccountStatus struct {
	AccountID   string                       `json:"account_id"`
	Connected   bool                         `json:"connected"`
	OwnerID     int64                        `json:"owner_id,omitempty"`
	Owner       string                       `json:"owner,omitempty"`
	Checkpoints int                          `json:"checkpoints"`
	LiveItems   int                          `json:"live_items"`
	Deleted     int                          `json:"deleted_items"`
	Progress    sweepermodels.ProgressStatus `json:"progress"`
	Queued      int                          `json:"queued"`
	Error       string                       `json:"error,omitempty"`
}

// Status checks the sessions of several accounts concurrently. At most StatusConcurrency checks
// run at once across every caller. A failing account is reported in its entry, not returned.
func (s *Service) Status(ctx context.Context, accountIDs []string) ([]AccountStatus, error) {
	out := make([]AccountStatus, len(accountIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range accountIDs {
		g.Go(func() error {
			if err := s.gate.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.gate.Release(1)
			out[i] = s.status(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) status(ctx context.Context, accountID string) AccountStatus {
	st := AccountStatus{AccountID: accountID}
	l, err := s.acquire(ctx, accountID)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer l.release()

	st.Connected = true
	st.OwnerID = l.owner.ID
	st.Owner = l.owner.DisplayName()
	st.Checkpoints = len(l.state.Checkpoints.All())
	st.LiveItems, st.Deleted = l.state.Items.Count()
	st.Progress = l.state.Checkpoints.Progress().Status
	st.Queued = len(l.state.Checkpoints.Queue().Active())
	return st
}
