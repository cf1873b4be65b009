package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

// Querier is the subset of *pgxpool.Pool used by AccountStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AccountsSchema creates the credential store table.
const AccountsSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
	    id VARCHAR(255) PRIMARY KEY,
	    credentials TEXT NOT NULL DEFAULT '',
	    session_handle TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
`

// AccountStore reads accounts from the credential store. Account CRUD lives elsewhere; only the
// lookups the sweeper needs are offered.
type AccountStore struct {
	db Querier
}

func NewAccountStore(db Querier) *AccountStore {
	return &AccountStore{db: db}
}

// GetAccount returns an account by id.
func (s *AccountStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	query := `SELECT id, credentials, session_handle FROM accounts WHERE id = $1`

	var acct models.Account
	err := s.db.QueryRow(ctx, query, id).Scan(&acct.ID, &acct.Credentials, &acct.SessionHandle)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return acct, nil
}

// ListAccountIDs returns the ids of every account holding a session, sorted.
func (s *AccountStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM accounts WHERE session_handle <> '' ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertAccount creates or replaces an account. It is used to seed development accounts.
func (s *AccountStore) UpsertAccount(ctx context.Context, acct models.Account) error {
	query := `
		INSERT INTO accounts (id, credentials, session_handle)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET credentials = EXCLUDED.credentials, session_handle = EXCLUDED.session_handle
	`
	if _, err := s.db.Exec(ctx, query, acct.ID, acct.Credentials, acct.SessionHandle); err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", acct.ID, err)
	}
	return nil
}
