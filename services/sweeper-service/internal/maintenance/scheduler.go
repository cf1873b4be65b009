// Package maintenance runs the periodic housekeeping jobs: backup pruning and the self-destruct
// sweep.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/backup"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/orchestrator"
)

const (
	DefaultPruneInterval = 6 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Pruner deletes old backups of an account.
type Pruner interface {
	Accounts() ([]string, error)
	PruneOldBackups(ctx context.Context, accountID string, retentionDays int) (backup.PruneReport, error)
}

// Sweeper deletes an account's expired self-destructing items.
type Sweeper interface {
	SweepExpired(ctx context.Context, accountID string) (*orchestrator.Result, error)
}

// AccountSource lists the accounts the sweep runs for.
type AccountSource func(ctx context.Context) ([]string, error)

type Config struct {
	PruneInterval time.Duration
	SweepInterval time.Duration
	RetentionDays int
}

func ConfigFromViper() Config {
	return Config{
		PruneInterval: viper.GetDuration("maintenance.prune_interval"),
		SweepInterval: viper.GetDuration("maintenance.sweep_interval"),
		RetentionDays: viper.GetInt("backup.retention_days"),
	}
}

// Scheduler owns the gocron scheduler running the maintenance jobs.
type Scheduler struct {
	cfg      Config
	pruner   Pruner
	sweeper  Sweeper
	accounts AccountSource
	log      zerolog.Logger

	sched gocron.Scheduler
}

func NewScheduler(cfg Config, pruner Pruner, sweeper Sweeper, accounts AccountSource, log zerolog.Logger) (*Scheduler, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg,
		pruner:   pruner,
		sweeper:  sweeper,
		accounts: accounts,
		log:      log.With().Str("component", "maintenance").Logger(),
		sched:    sched,
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.PruneInterval),
		gocron.NewTask(s.PruneAll, context.Background()),
		gocron.WithName("prune-backups"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to schedule prune job: %w", err)
	}

	if sweeper != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.SweepInterval),
			gocron.NewTask(s.SweepAll, context.Background()),
			gocron.WithName("sweep-expired"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("failed to schedule sweep job: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.Info().
		Dur("prune_interval", s.cfg.PruneInterval).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Msg("Maintenance scheduler started")
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// PruneAll prunes the backups of every account known to the local backend.
func (s *Scheduler) PruneAll(ctx context.Context) []backup.PruneReport {
	accounts, err := s.pruner.Accounts()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list accounts for pruning")
		return nil
	}

	reports := make([]backup.PruneReport, 0, len(accounts))
	for _, id := range accounts {
		report, err := s.pruner.PruneOldBackups(ctx, id, s.cfg.RetentionDays)
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", id).Msg("Failed to prune backups")
			continue
		}
		if report.Deleted > 0 || report.Failed > 0 {
			s.log.Info().
				Str("account_id", id).
				Int("deleted", report.Deleted).
				Int("failed", report.Failed).
				Msg("Pruned backups")
		}
		reports = append(reports, report)
	}
	return reports
}

// SweepAll deletes the expired self-destructing items of every account.
func (s *Scheduler) SweepAll(ctx context.Context) int {
	accounts, err := s.accounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list accounts for sweeping")
		return 0
	}

	deleted := 0
	for _, id := range accounts {
		res, err := s.sweeper.SweepExpired(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", id).Msg("Sweep failed")
		}
		if res != nil {
			deleted += res.Counts.Deleted
		}
	}
	return deleted
}
