// Package discovery keeps the accounts of the credential store scanned on a fixed interval.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/orchestrator"
)

const (
	DefaultPollingInterval = 15 * time.Minute
	DefaultRefreshInterval = time.Minute
	// PollingJitterMax bounds the initial delay staggering the first scan of each account.
	PollingJitterMax = 30 * time.Second
	ResultBufferSize = 16
)

// Scanner runs one scan of an account.
type Scanner interface {
	Scan(ctx context.Context, accountID string, opts orchestrator.ScanOptions) (*orchestrator.Result, error)
}

// AccountSource lists the accounts that should be kept scanned.
type AccountSource func(ctx context.Context) ([]string, error)

type Config struct {
	PollingInterval time.Duration
	RefreshInterval time.Duration
	// JitterMax overrides PollingJitterMax when positive.
	JitterMax time.Duration
}

type scanOutcome struct {
	accountID string
	result    *orchestrator.Result
	err       error
}

type accountPoller struct {
	accountID string
	cancel    context.CancelFunc
}

// Service starts one poller per account and follows accounts appearing in or disappearing from
// the source.
type Service struct {
	cfg      Config
	scanner  Scanner
	accounts AccountSource
	log      zerolog.Logger

	mu      sync.Mutex
	pollers map[string]*accountPoller
	// closing is set by Shutdown; no scan starts afterwards.
	closing bool

	outcomes chan scanOutcome

	foundPerAccount sync.Map // map[string]*int64
	scansRun        int64
	scansFailed     int64
	itemsFound      int64

	processingWg sync.WaitGroup
}

func NewService(cfg Config, scanner Scanner, accounts AccountSource, log zerolog.Logger) *Service {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.JitterMax <= 0 {
		cfg.JitterMax = PollingJitterMax
	}
	return &Service{
		cfg:      cfg,
		scanner:  scanner,
		accounts: accounts,
		log:      log.With().Str("component", "discovery").Logger(),
		pollers:  make(map[string]*accountPoller),
		outcomes: make(chan scanOutcome, ResultBufferSize),
	}
}

// Run blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.refreshAccounts(ctx); err != nil {
		return fmt.Errorf("initial account discovery failed: %w", err)
	}

	go s.accountDiscovery(ctx)
	go s.logPerformanceMetrics(ctx)

	s.collectOutcomes(ctx)
	return nil
}

// Shutdown waits for in-flight scans, up to timeout. It reports whether they all finished.
func (s *Service) Shutdown(timeout time.Duration) bool {
	s.log.Info().Dur("timeout", timeout).Msg("Shutting down, waiting for running scans")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.processingWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("All scans completed")
		return true
	case <-time.After(timeout):
		s.log.Warn().Msg("Shutdown timeout reached, some scans may still be running")
		return false
	}
}

func (s *Service) accountDiscovery(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			if err := s.refreshAccounts(ctx); err != nil {
				s.log.Error().Err(err).Msg("Failed to refresh accounts")
			}
		}
	}
}

// refreshAccounts starts pollers for new accounts and stops the pollers of removed ones.
func (s *Service) refreshAccounts(ctx context.Context) error {
	ids, err := s.accounts(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}

	for _, id := range ids {
		if _, ok := s.pollers[id]; ok {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		s.pollers[id] = &accountPoller{accountID: id, cancel: cancel}
		go s.pollAccount(pctx, id)
		s.log.Info().Str("account_id", id).Msg("Started polling account")
	}
	for id, p := range s.pollers {
		if !wanted[id] {
			p.cancel()
			delete(s.pollers, id)
			s.log.Info().Str("account_id", id).Msg("Stopped polling account")
		}
	}
	return nil
}

func (s *Service) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pollers {
		p.cancel()
		delete(s.pollers, id)
	}
}

// Polling returns the ids of the accounts currently polled, sorted.
func (s *Service) Polling() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pollAccount scans an account after its staggered initial delay, then on every interval.
func (s *Service) pollAccount(ctx context.Context, accountID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.initialDelay(accountID)):
		s.scanOnce(ctx, accountID)
	}

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx, accountID)
		}
	}
}

// initialDelay maps an account id onto a deterministic delay below JitterMax.
func (s *Service) initialDelay(accountID string) time.Duration {
	sum := sha256.Sum256([]byte(accountID))
	seed := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(seed % uint64(s.cfg.JitterMax.Nanoseconds()))
}

func (s *Service) scanOnce(ctx context.Context, accountID string) {
	if !s.beginScan() {
		return
	}
	defer s.processingWg.Done()

	res, err := s.scanner.Scan(ctx, accountID, orchestrator.ScanOptions{})
	select {
	case s.outcomes <- scanOutcome{accountID: accountID, result: res, err: err}:
	case <-ctx.Done():
	}
}

// beginScan registers a scan with the shutdown wait group unless Shutdown has started.
func (s *Service) beginScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.processingWg.Add(1)
	return true
}

func (s *Service) collectOutcomes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-s.outcomes:
			s.record(out)
		}
	}
}

func (s *Service) record(out scanOutcome) {
	atomic.AddInt64(&s.scansRun, 1)
	if out.err != nil {
		atomic.AddInt64(&s.scansFailed, 1)
		s.log.Warn().Err(out.err).Str("account_id", out.accountID).Msg("Scan failed")
	}
	if out.result == nil {
		return
	}

	found := int64(out.result.Counts.Found)
	atomic.AddInt64(&s.itemsFound, found)
	val, _ := s.foundPerAccount.LoadOrStore(out.accountID, new(int64))
	atomic.AddInt64(val.(*int64), found)

	s.log.Info().
		Str("account_id", out.accountID).
		Str("run_id", out.result.RunID).
		Int("processed", out.result.Counts.Processed).
		Int("found", out.result.Counts.Found).
		Bool("paused", out.result.Paused).
		Msg("Scan completed")
}

// logPerformanceMetrics logs aggregated counters on a jittered interval.
func (s *Service) logPerformanceMetrics(ctx context.Context) {
	baseInterval := time.Minute
	jitterRange := 10 * time.Second

	for {
		jitter := time.Duration(rand.Int63n(int64(jitterRange))) - jitterRange/2
		select {
		case <-ctx.Done():
			return
		case <-time.After(baseInterval + jitter):
			s.logMetrics()
		}
	}
}

// Metrics is a snapshot of the service counters.
type Metrics struct {
	ScansRun    int64
	ScansFailed int64
	ItemsFound  int64
	PerAccount  map[string]int64
}

func (s *Service) Metrics() Metrics {
	m := Metrics{
		ScansRun:    atomic.LoadInt64(&s.scansRun),
		ScansFailed: atomic.LoadInt64(&s.scansFailed),
		ItemsFound:  atomic.LoadInt64(&s.itemsFound),
		PerAccount:  make(map[string]int64),
	}
	s.foundPerAccount.Range(func(key, value any) bool {
		m.PerAccount[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return m
}

func (s *Service) logMetrics() {
	m := s.Metrics()

	type accountStat struct {
		id    string
		count int64
	}
	stats := make([]accountStat, 0, len(m.PerAccount))
	for id, n := range m.PerAccount {
		if n > 0 {
			stats = append(stats, accountStat{id, n})
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].count > stats[j].count })

	event := s.log.Info().
		Int64("scans", m.ScansRun).
		Int64("failed", m.ScansFailed).
		Int64("found", m.ItemsFound)
	if len(stats) > 0 {
		top := zerolog.Dict()
		for i := 0; i < len(stats) && i < 3; i++ {
			top.Int64(stats[i].id, stats[i].count)
		}
		event = event.Dict("top_accounts", top)
	}
	event.Msg("Metrics")
}
