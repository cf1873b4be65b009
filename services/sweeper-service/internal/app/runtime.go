package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/backup"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/db"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/orchestrator"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/state"
)

// runtime is everything a command needs, built once per process.
type runtime struct {
	gateway  *backup.Gateway
	registry *state.Registry
	accounts *db.AccountStore
	service  *orchestrator.Service
}

func newRuntime(ctx context.Context) (*runtime, error) {
	if err := db.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gateway, err := newGateway(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := state.NewRegistry(gateway, log.Logger)
	accounts := db.NewAccountStore(db.Pool)
	service := orchestrator.NewService(orchestrator.ConfigFromViper(), accounts, provider.NewProvider, registry, log.Logger)

	return &runtime{
		gateway:  gateway,
		registry: registry,
		accounts: accounts,
		service:  service,
	}, nil
}

// newGateway builds the backup gateway: local always, plus object storage or the hosted document
// store when enabled, object storage first.
func newGateway(ctx context.Context) (*backup.Gateway, error) {
	local := backup.NewLocalBackend(
		filepath.Join(viper.GetString("data_dir"), "backups"),
		viper.GetInt("backup.local.max_generations"),
		log.Logger,
	)

	var remotes []backup.Backend
	if viper.GetBool("backup.object.enabled") {
		cfg := backup.ObjectConfig{
			Bucket:          viper.GetString("backup.object.bucket"),
			Endpoint:        viper.GetString("backup.object.endpoint"),
			Region:          viper.GetString("backup.object.region"),
			AccessKeyID:     viper.GetString("backup.object.access_key_id"),
			SecretAccessKey: viper.GetString("backup.object.secret_access_key"),
			Prefix:          viper.GetString("backup.object.prefix"),
		}
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("backup.object.bucket not configured")
		}
		client, err := backup.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, backup.NewObjectBackend(client, cfg.Bucket, cfg.Prefix, log.Logger))
	}
	if viper.GetBool("backup.document.enabled") {
		remotes = append(remotes, backup.NewDocumentBackend(db.Pool, log.Logger))
	}

	return backup.NewGateway(backup.Config{Timeout: viper.GetDuration("backup.timeout")}, local, log.Logger, remotes...), nil
}

func (rt *runtime) Close() {
	if err := rt.service.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close sessions")
	}
	db.Close()
}

// accountSource lists the configured account, or every account holding a session.
func (rt *runtime) accountSource() func(ctx context.Context) ([]string, error) {
	if id := viper.GetString("account_id"); id != "" {
		return func(context.Context) ([]string, error) { return []string{id}, nil }
	}
	return rt.accounts.ListAccountIDs
}

func requireAccount() (string, error) {
	id := viper.GetString("account_id")
	if id == "" {
		return "", fmt.Errorf("account_id not configured")
	}
	return id, nil
}

// pauseOnSignal returns a pause check that turns true on the first interrupt. A second interrupt
// falls back to the default behaviour.
func pauseOnSignal() (func() bool, func()) {
	var paused atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Pausing after the current conversation")
			paused.Store(true)
			signal.Stop(sigChan)
		case <-done:
		}
	}()

	return paused.Load, func() {
		signal.Stop(sigChan)
		close(done)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
