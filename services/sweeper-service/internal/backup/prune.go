package backup

import (
	"context"
	"time"

	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// PruneReport summarizes one PruneOldBackups call.
type PruneReport struct {
	AccountID string `json:"account_id"`
	Examined  int    `json:"examined"`
	Deleted   int    `json:"deleted"`
	Failed    int    `json:"failed"`
}

// PruneOldBackups deletes an account's backups older than retentionDays on every backend.
// Zero retentionDays means the default of 7; negative values are floored at 1. The newest backup
// of each data type is always kept, since it is the committed state. Individual deletion
// failures are logged, not returned.
func (g *Gateway) PruneOldBackups(ctx context.Context, accountID string, retentionDays int) (PruneReport, error) {
	if retentionDays == 0 {
		retentionDays = DefaultRetentionDays
	}
	if retentionDays < 1 {
		retentionDays = 1
	}
	cutoff := g.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	report := PruneReport{AccountID: accountID}

	for _, b := range g.backends() {
		bctx, cancel := g.backendContext(ctx, b)
		entries, err := b.List(bctx, accountID)
		if err != nil {
			cancel()
			if b == Backend(g.local) {
				return report, err
			}
			g.log.Warn().Err(err).Str("backend", b.Name()).Msg("Failed to list backups for pruning")
			continue
		}

		newest := make(map[models.DataType]bool)
		for _, entry := range entries {
			report.Examined++
			ts := entryTimestamp(entry)
			// entries are newest first, so the first one seen per type is the one to keep
			if !newest[entry.DataType] {
				newest[entry.DataType] = true
				continue
			}
			if ts.IsZero() || !ts.Before(cutoff) {
				continue
			}
			if err := b.Remove(bctx, entry); err != nil {
				report.Failed++
				g.log.Warn().Err(err).
					Str("backend", b.Name()).
					Str("name", entry.Name).
					Msg("Failed to prune backup")
				continue
			}
			report.Deleted++
		}
		cancel()
	}

	g.log.Info().
		Str("account_id", accountID).
		Int("retention_days", retentionDays).
		Int("examined", report.Examined).
		Int("deleted", report.Deleted).
		Int("failed", report.Failed).
		Msg("Pruned old backups")
	return report, nil
}

// entryTimestamp prefers the backend metadata and falls back to the naming convention.
func entryTimestamp(entry models.BackupEntry) time.Time {
	if !entry.Timestamp.IsZero() {
		return entry.Timestamp
	}
	if _, _, ts, ok := ParseEntryName(entry.Name); ok {
		return ts
	}
	return time.Time{}
}
