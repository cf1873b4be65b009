package backup

import (
	"context"

	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

// Backend is a durable store for backup records. Implementations do not verify hashes;
// the Gateway does.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Put stores a record.
	Put(ctx context.Context, rec *models.BackupRecord) error

	// Latest returns the newest record of an account and data type, or ErrNotFound.
	Latest(ctx context.Context, accountID string, dataType models.DataType) (*models.BackupRecord, error)

	// List returns every stored entry of an account, newest first.
	List(ctx context.Context, accountID string) ([]models.BackupEntry, error)

	// Remove deletes one entry returned by List.
	Remove(ctx context.Context, entry models.BackupEntry) error
}
