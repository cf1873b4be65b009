package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// DocumentDB is the subset of *pgxpool.Pool used by DocumentBackend.
type DocumentDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DocumentSchema creates the table backing DocumentBackend. The payload is kept as TEXT so the
// stored bytes match the hashed bytes exactly.
const DocumentSchema = `
	CREATE TABLE IF NOT EXISTS backup_documents (
	    id UUID PRIMARY KEY,
	    account_id VARCHAR(255) NOT NULL,
	    data_type VARCHAR(32) NOT NULL,
	    payload TEXT NOT NULL,
	    hash VARCHAR(64) NOT NULL,
	    backup_ts TIMESTAMP WITH TIME ZONE NOT NULL,
	    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	    UNIQUE (account_id, data_type)
	);

	CREATE INDEX IF NOT EXISTS idx_backup_documents_account ON backup_documents(account_id);
`

// DocumentBackend keeps one hosted document per (account, data type) in postgres.
type DocumentBackend struct {
	db  DocumentDB
	log zerolog.Logger
}

// NewDocumentBackend creates a hosted-document backend on top of a pgx pool.
func NewDocumentBackend(db DocumentDB, log zerolog.Logger) *DocumentBackend {
	return &DocumentBackend{
		db:  db,
		log: log.With().Str("backend", "document").Logger(),
	}
}

func (b *DocumentBackend) Name() string { return "document" }

// Put implements Backend.Put: find the account's document for the data type, create it when
// absent, then update it in place.
func (b *DocumentBackend) Put(ctx context.Context, rec *models.BackupRecord) error {
	id, err := b.findOrCreate(ctx, rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE backup_documents
		SET payload = $2, hash = $3, backup_ts = $4, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := b.db.Exec(ctx, query, id, string(rec.Data), rec.Hash, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to update backup document: %w", err)
	}
	return nil
}

func (b *DocumentBackend) findOrCreate(ctx context.Context, rec *models.BackupRecord) (uuid.UUID, error) {
	selectQuery := `SELECT id FROM backup_documents WHERE account_id = $1 AND data_type = $2`

	var id uuid.UUID
	err := b.db.QueryRow(ctx, selectQuery, rec.AccountID, string(rec.DataType)).Scan(&id)
	if err == nil {
		return id, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to find backup document: %w", err)
	}

	insertQuery := `
		INSERT INTO backup_documents (id, account_id, data_type, payload, hash, backup_ts)
		VALUES ($1, $2, $3, '{}', '', $4)
		ON CONFLICT (account_id, data_type) DO NOTHING
	`
	id = uuid.New()
	if _, err := b.db.Exec(ctx, insertQuery, id, rec.AccountID, string(rec.DataType), rec.Timestamp); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create backup document: %w", err)
	}

	// Another writer may have won the insert race; read back whichever row exists.
	if err := b.db.QueryRow(ctx, selectQuery, rec.AccountID, string(rec.DataType)).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to read created backup document: %w", err)
	}
	return id, nil
}

// Latest implements Backend.Latest
func (b *DocumentBackend) Latest(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error) {
	query := `SELECT payload, hash, backup_ts FROM backup_documents
		WHERE account_id = $1 AND data_type = $2`

	var payload, hash string
	var ts time.Time
	err := b.db.QueryRow(ctx, query, accountID, string(dataType)).Scan(&payload, &hash, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read backup document: %w", err)
	}

	return &models.BackupRecord{
		AccountID: accountID,
		DataType:  dataType,
		Timestamp: ts.UTC(),
		Data:      json.RawMessage(payload),
		Hash:      hash,
	}, nil
}

// List implements Backend.List
func (b *DocumentBackend) List(ctx context.Context, accountID string) ([]models.BackupEntry, error) {
	query := `SELECT id, data_type, backup_ts, LENGTH(payload) FROM backup_documents
		WHERE account_id = $1 ORDER BY backup_ts DESC`

	rows, err := b.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup documents: %w", err)
	}
	defer rows.Close()

	var entries []models.BackupEntry
	for rows.Next() {
		var id uuid.UUID
		var dataType string
		var ts time.Time
		var size int64
		if err := rows.Scan(&id, &dataType, &ts, &size); err != nil {
			return nil, err
		}
		entries = append(entries, models.BackupEntry{
			Name:      id.String(),
			AccountID: accountID,
			DataType:  models.DataType(dataType),
			Timestamp: ts.UTC(),
			Size:      size,
		})
	}
	return entries, rows.Err()
}

// Remove implements Backend.Remove
func (b *DocumentBackend) Remove(ctx context.Context, entry models.BackupEntry) error {
	id, err := uuid.Parse(entry.Name)
	if err != nil {
		return fmt.Errorf("invalid backup document id %q: %w", entry.Name, err)
	}
	if _, err := b.db.Exec(ctx, `DELETE FROM backup_documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete backup document: %w", err)
	}
	return nil
}
