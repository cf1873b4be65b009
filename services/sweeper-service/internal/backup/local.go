package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

const defaultMaxGenerations = 20

// LocalBackend stores backups as timestamped JSON files under {dir}/{account}/.
type LocalBackend struct {
	dir            string
	maxGenerations int
	log            zerolog.Logger
}

// NewLocalBackend creates a local file tree backend. maxGenerations bounds how many files are
// kept per (account, data type); zero uses the default.
func NewLocalBackend(dir string, maxGenerations int, log zerolog.Logger) *LocalBackend {
	if maxGenerations <= 0 {
		maxGenerations = defaultMaxGenerations
	}
	return &LocalBackend{
		dir:            dir,
		maxGenerations: maxGenerations,
		log:            log.With().Str("backend", "local").Logger(),
	}
}

func (b *LocalBackend) Name() string { return "local" }

// Put implements Backend.Put with an atomic temp-file-and-rename write.
func (b *LocalBackend) Put(_ context.Context, rec *models.BackupRecord) error {
	accountDir := filepath.Join(b.dir, rec.AccountID)
	if err := os.MkdirAll(accountDir, 0o700); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	name := EntryName(rec.AccountID, rec.DataType, rec.Timestamp) + ".json"
	tmp, err := os.CreateTemp(accountDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(accountDir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit backup: %w", err)
	}

	b.trimGenerations(rec.AccountID, rec.DataType)
	return nil
}

// Latest implements Backend.Latest
func (b *LocalBackend) Latest(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error) {
	entries, err := b.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.DataType != dataType {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(b.dir, accountID, entry.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to read backup %s: %w", entry.Name, err)
		}
		var rec models.BackupRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s is not valid JSON", ErrIntegrity, entry.Name)
		}
		return &rec, nil
	}
	return nil, ErrNotFound
}

// List implements Backend.List
func (b *LocalBackend) List(_ context.Context, accountID string) ([]models.BackupEntry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(b.dir, accountID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var entries []models.BackupEntry
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		acct, dt, ts, ok := ParseEntryName(de.Name())
		if !ok || acct != accountID {
			continue
		}
		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}
		entries = append(entries, models.BackupEntry{
			Name:      de.Name(),
			AccountID: acct,
			DataType:  dt,
			Timestamp: ts,
			Size:      size,
		})
	}
	sortNewestFirst(entries)
	return entries, nil
}

// Remove implements Backend.Remove
func (b *LocalBackend) Remove(_ context.Context, entry models.BackupEntry) error {
	err := os.Remove(filepath.Join(b.dir, entry.AccountID, entry.Name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", entry.Name, err)
	}
	return nil
}

// Accounts lists every account that has a backup directory.
func (b *LocalBackend) Accounts() ([]string, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list backup accounts: %w", err)
	}
	var accounts []string
	for _, de := range dirEntries {
		if de.IsDir() && !strings.HasPrefix(de.Name(), ".") {
			accounts = append(accounts, de.Name())
		}
	}
	return accounts, nil
}

func (b *LocalBackend) trimGenerations(accountID string, dataType models.DataType) {
	entries, err := b.List(context.Background(), accountID)
	if err != nil {
		b.log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to list backups for trimming")
		return
	}
	kept := 0
	for _, entry := range entries {
		if entry.DataType != dataType {
			continue
		}
		kept++
		if kept <= b.maxGenerations {
			continue
		}
		if err := b.Remove(context.Background(), entry); err != nil {
			b.log.Warn().Err(err).Str("name", entry.Name).Msg("Failed to trim old backup generation")
		}
	}
}

func sortNewestFirst(entries []models.BackupEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
