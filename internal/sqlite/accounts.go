package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

type accountRow struct {
	ID               string `db:"id"`
	OwnerEmail       string `db:"owner_email"`
	Email            string `db:"email"`
	Provider         string `db:"provider"`
	AuthMode         string `db:"auth_mode"`
	IMAPHost         string `db:"imap_host"`
	IMAPUsername     string `db:"imap_username"`
	SMTPHost         string `db:"smtp_host"`
	SMTPUsername     string `db:"smtp_username"`
	EncryptedSecret  []byte `db:"encrypted_secret"`
	ConnectionStatus string `db:"connection_status"`
	LastError        string `db:"last_error"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r accountRow) toModel() *models.Account {
	return &models.Account{
		ID:               r.ID,
		OwnerEmail:       r.OwnerEmail,
		Email:            r.Email,
		Provider:         models.Provider(r.Provider),
		AuthMode:         models.AuthMode(r.AuthMode),
		IMAPHost:         r.IMAPHost,
		IMAPUsername:     r.IMAPUsername,
		SMTPHost:         r.SMTPHost,
		SMTPUsername:     r.SMTPUsername,
		EncryptedSecret:  r.EncryptedSecret,
		ConnectionStatus: models.ConnectionStatus(r.ConnectionStatus),
		LastError:        r.LastError,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
}

func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.ConnectionStatus == "" {
		account.ConnectionStatus = models.ConnectionUnknown
	}
	now := toMillis(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, owner_email, email, provider, auth_mode,
			imap_host, imap_username, smtp_host, smtp_username,
			encrypted_secret, connection_status, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			auth_mode = excluded.auth_mode,
			imap_host = excluded.imap_host,
			imap_username = excluded.imap_username,
			smtp_host = excluded.smtp_host,
			smtp_username = excluded.smtp_username,
			encrypted_secret = excluded.encrypted_secret,
			connection_status = excluded.connection_status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		account.ID, account.OwnerEmail, account.Email, string(account.Provider), string(account.AuthMode),
		account.IMAPHost, account.IMAPUsername, account.SMTPHost, account.SMTPUsername,
		account.EncryptedSecret, string(account.ConnectionStatus), account.LastError,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	var row accountRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE id = ?`, account.ID); err != nil {
		return fmt.Errorf("failed to reload account: %w", err)
	}
	account.CreatedAt = fromMillis(row.CreatedAt)
	account.UpdatedAt = fromMillis(row.UpdatedAt)
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) selectAccounts(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]*models.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.toModel())
	}
	return accounts, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return s.selectAccounts(ctx, `SELECT * FROM accounts ORDER BY created_at, id`)
}

func (s *Store) ListAccountsByOwner(ctx context.Context, ownerEmail string) ([]*models.Account, error) {
	return s.selectAccounts(ctx, `SELECT * FROM accounts WHERE owner_email = ? ORDER BY created_at, id`, ownerEmail)
}

// DeleteAccount relies on foreign_keys(1) so messages and sync states cascade.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return requireRow(result, store.ErrAccountNotFound)
}

func (s *Store) SetConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, detail string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET connection_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), detail, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	return requireRow(result, store.ErrAccountNotFound)
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
