package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultRetentionDays = 7
)

// Config selects and tunes the gateway's backends.
type Config struct {
	// Timeout bounds every call to the remote backend.
	Timeout time.Duration
}

// Gateway is the single entry point for durable backup and restore. Every record is committed
// to the local backend first and then mirrored to the highest-priority remote backend, if any.
type Gateway struct {
	local   *LocalBackend
	remote  Backend
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewGateway creates a gateway. remotes are given in priority order (object storage, then hosted
// document); the first non-nil one is used.
func NewGateway(cfg Config, local *LocalBackend, log zerolog.Logger, remotes ...Backend) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gateway{
		local:   local,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("component", "backup").Logger(),
	}
	for _, r := range remotes {
		if r != nil && !isNilBackend(r) {
			g.remote = r
			break
		}
	}
	if g.remote != nil {
		g.log.Info().Str("backend", g.remote.Name()).Msg("Remote backup backend selected")
	} else {
		g.log.Info().Msg("No remote backup backend configured, using local only")
	}
	return g
}

// isNilBackend catches typed nil pointers passed as Backend.
func isNilBackend(b Backend) bool {
	switch v := b.(type) {
	case *ObjectBackend:
		return v == nil
	case *DocumentBackend:
		return v == nil
	case *LocalBackend:
		return v == nil
	}
	return false
}

// Local returns the local leaf backend.
func (g *Gateway) Local() *LocalBackend {
	return g.local
}

// RemoteName returns the name of the selected remote backend, or "".
func (g *Gateway) RemoteName() string {
	if g.remote == nil {
		return ""
	}
	return g.remote.Name()
}

// Backup seals data and stores it. The local write is the commit point; a remote failure is
// logged and does not fail the call.
func (g *Gateway) Backup(ctx context.Context, accountID string, dataType models.DataType, data any) error {
	rec, err := Seal(accountID, dataType, data, g.now())
	if err != nil {
		return err
	}

	localErr := g.local.Put(ctx, rec)
	if localErr != nil {
		g.log.Error().Err(localErr).
			Str("account_id", accountID).
			Str("data_type", string(dataType)).
			Msg("Local backup failed")
	}

	if g.remote == nil {
		return localErr
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.remote.Put(rctx, rec); err != nil {
		g.log.Warn().Err(err).
			Str("backend", g.remote.Name()).
			Str("account_id", accountID).
			Str("data_type", string(dataType)).
			Msg("Remote backup failed, local copy kept")
		return localErr
	}
	return nil
}

// Restore returns the newest verified record among the remote and local backends. A record
// failing verification is treated as absent; ErrNotFound is returned when nothing usable exists.
func (g *Gateway) Restore(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error) {
	var best *models.BackupRecord

	if g.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, g.timeout)
		rec := g.latestVerified(rctx, g.remote, accountID, dataType)
		cancel()
		best = rec
	}

	if rec := g.latestVerified(ctx, g.local, accountID, dataType); rec != nil {
		if best == nil || rec.Timestamp.After(best.Timestamp) {
			best = rec
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// RestoreInto decodes the newest verified record into v. It reports false when nothing usable
// was found.
func (g *Gateway) RestoreInto(ctx context.Context, accountID string, dataType models.DataType, v any) (bool, error) {
	rec, err := g.Restore(ctx, accountID, dataType)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s backup: %w", dataType, err)
	}
	return true, nil
}

func (g *Gateway) latestVerified(ctx context.Context, b Backend, accountID string, dataType models.DataType) *models.BackupRecord {
	rec, err := b.Latest(ctx, accountID, dataType)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.log.Warn().Err(err).
				Str("backend", b.Name()).
				Str("account_id", accountID).
				Str("data_type", string(dataType)).
				Msg("Failed to read latest backup")
		}
		return nil
	}
	if err := Verify(rec); err != nil {
		g.log.Warn().
			Str("backend", b.Name()).
			Str("account_id", accountID).
			Str("data_type", string(dataType)).
			Msg("Backup failed integrity check, ignoring")
		return nil
	}
	return rec
}

// List returns the backups of an account from the local backend and, when configured, the
// remote one.
func (g *Gateway) List(ctx context.Context, accountID string) (map[string][]models.BackupEntry, error) {
	out := make(map[string][]models.BackupEntry)

	entries, err := g.local.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out[g.local.Name()] = entries

	if g.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		entries, err := g.remote.List(rctx, accountID)
		if err != nil {
			g.log.Warn().Err(err).Str("backend", g.remote.Name()).Msg("Failed to list remote backups")
		} else {
			out[g.remote.Name()] = entries
		}
	}
	return out, nil
}

// Delete removes every backup of a data type for an account on all backends. Remote failures
// are logged; local failures are returned.
func (g *Gateway) Delete(ctx context.Context, accountID string, dataType models.DataType) error {
	var localErr error
	for _, b := range g.backends() {
		bctx, cancel := g.backendContext(ctx, b)
		entries, err := b.List(bctx, accountID)
		if err != nil {
			cancel()
			if b == Backend(g.local) {
				localErr = err
			} else {
				g.log.Warn().Err(err).Str("backend", b.Name()).Msg("Failed to list backups for deletion")
			}
			continue
		}
		for _, entry := range entries {
			if entry.DataType != dataType {
				continue
			}
			if err := b.Remove(bctx, entry); err != nil {
				if b == Backend(g.local) {
					localErr = err
				}
				g.log.Warn().Err(err).Str("backend", b.Name()).Str("name", entry.Name).Msg("Failed to delete backup")
			}
		}
		cancel()
	}
	return localErr
}

// Accounts lists accounts that have local backups.
func (g *Gateway) Accounts() ([]string, error) {
	return g.local.Accounts()
}

func (g *Gateway) backends() []Backend {
	if g.remote == nil {
		return []Backend{g.local}
	}
	return []Backend{g.local, g.remote}
}

func (g *Gateway) backendContext(ctx context.Context, b Backend) (context.Context, context.CancelFunc) {
	if b == Backend(g.local) {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
