package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

const accountColumns = `
	id,
	owner_email,
	email,
	provider,
	auth_mode,
	imap_host,
	imap_username,
	smtp_host,
	smtp_username,
	encrypted_secret,
	connection_status,
	last_error,
	created_at,
	updated_at`

// SaveAccount inserts the account, or updates everything but its owner and creation time
// when the id already exists. A missing id is generated.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.ConnectionStatus == "" {
		account.ConnectionStatus = models.ConnectionUnknown
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (
			id, owner_email, email, provider, auth_mode,
			imap_host, imap_username, smtp_host, smtp_username,
			encrypted_secret, connection_status, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			provider = EXCLUDED.provider,
			auth_mode = EXCLUDED.auth_mode,
			imap_host = EXCLUDED.imap_host,
			imap_username = EXCLUDED.imap_username,
			smtp_host = EXCLUDED.smtp_host,
			smtp_username = EXCLUDED.smtp_username,
			encrypted_secret = EXCLUDED.encrypted_secret,
			connection_status = EXCLUDED.connection_status,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING created_at, updated_at
	`,
		account.ID,
		account.OwnerEmail,
		account.Email,
		account.Provider,
		account.AuthMode,
		account.IMAPHost,
		account.IMAPUsername,
		account.SMTPHost,
		account.SMTPUsername,
		account.EncryptedSecret,
		account.ConnectionStatus,
		account.LastError,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.OwnerEmail,
		&a.Email,
		&a.Provider,
		&a.AuthMode,
		&a.IMAPHost,
		&a.IMAPUsername,
		&a.SMTPHost,
		&a.SMTPUsername,
		&a.EncryptedSecret,
		&a.ConnectionStatus,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount returns store.ErrAccountNotFound when no account has the id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func listAccounts(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// ListAccounts returns every account, oldest first.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	return listAccounts(ctx, pool, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

// ListAccountsByOwner returns the accounts a web user registered, oldest first.
func ListAccountsByOwner(ctx context.Context, pool *pgxpool.Pool, ownerEmail string) ([]*models.Account, error) {
	return listAccounts(ctx, pool,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_email = $1 ORDER BY created_at, id`, ownerEmail)
}

// DeleteAccount removes the account. Messages and sync states go with it through ON DELETE CASCADE.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, id string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAccountNotFound
	}
	return nil
}

// SetConnectionStatus records the outcome of the last connection attempt.
func SetConnectionStatus(ctx context.Context, pool *pgxpool.Pool, id string, status models.ConnectionStatus, detail string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE accounts
		SET connection_status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, status, detail)
	if err != nil {
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAccountNotFound
	}
	return nil
}

func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	return SaveAccount(ctx, s.pool, account)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListAccounts(ctx, s.pool)
}

func (s *Store) ListAccountsByOwner(ctx context.Context, ownerEmail string) ([]*models.Account, error) {
	return ListAccountsByOwner(ctx, s.pool, ownerEmail)
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return DeleteAccount(ctx, s.pool, id)
}

func (s *Store) SetConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, detail string) error {
	return SetConnectionStatus(ctx, s.pool, id, status, detail)
}
