// Package store defines the durable storage contracts the sync engine and the API depend on.
// Implementations live in internal/db (Postgres) and internal/sqlite.
package store

import (
	"context"
	"errors"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrMessageNotFound is returned when a requested message cannot be found.
	ErrMessageNotFound = errors.New("message not found")
	// ErrAccountNotFound is returned when a requested account cannot be found.
	ErrAccountNotFound = errors.New("account not found")
)

// SyncStateStore holds one SyncState per (accountID, folder).
// Each key is updated independently; implementations must be safe for concurrent use.
type SyncStateStore interface {
	// GetSyncState returns nil, nil when no state exists for the key.
	GetSyncState(ctx context.Context, accountID, folder string) (*models.SyncState, error)

	// PutSyncState upserts the state and always refreshes LastSyncedAt.
	PutSyncState(ctx context.Context, accountID, folder string, uidValidity, lastSeenUID uint32) error

	// ResetSyncState deletes the state so the next sync treats the folder as never synced.
	ResetSyncState(ctx context.Context, accountID, folder string) error

	// HasGenerationChanged is false when no prior state exists, and true only when a prior
	// state exists with a different UIDVALIDITY.
	HasGenerationChanged(ctx context.Context, accountID, folder string, uidValidity uint32) (bool, error)
}

// MessageStore is the per-account, per-folder collection of normalized messages.
type MessageStore interface {
	// AppendMessages inserts only messages whose id is not already stored and returns how
	// many were added. Existing ids are never overwritten.
	AppendMessages(ctx context.Context, accountID, folder string, messages []*models.Message) (int, error)

	// UpdateMessageFlags applies a flag update to one message and returns the result.
	UpdateMessageFlags(ctx context.Context, id string, update models.FlagUpdate) (*models.Message, error)

	// GetMessage returns ErrMessageNotFound when no message has the id.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// ListMessages returns the folder's messages, newest first.
	ListMessages(ctx context.Context, accountID, folder string) ([]*models.Message, error)

	// CountMessages returns how many messages are stored for the folder.
	CountMessages(ctx context.Context, accountID, folder string) (int, error)

	// DeleteFolderMessages removes every stored message of the folder and returns how many
	// went. Used when UIDVALIDITY changes and the stored UIDs no longer name the same mail.
	DeleteFolderMessages(ctx context.Context, accountID, folder string) (int, error)
}

// AccountRegistry owns accounts and their connection status.
type AccountRegistry interface {
	SaveAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerEmail string) ([]*models.Account, error)

	// DeleteAccount removes the account together with its messages and sync states.
	DeleteAccount(ctx context.Context, id string) error

	SetConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, detail string) error
}

// Store is everything a storage backend provides.
type Store interface {
	SyncStateStore
	MessageStore
	AccountRegistry
	Close() error
}
