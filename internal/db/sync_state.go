package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// GetSyncState returns nil, nil when the folder was never synced.
func GetSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) (*models.SyncState, error) {
	var (
		state       models.SyncState
		uidValidity int64
		lastSeenUID int64
	)
	err := pool.QueryRow(ctx, `
		SELECT account_id, folder_name, uid_validity, last_seen_uid, last_synced_at
		FROM folder_sync_state
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder).Scan(&state.AccountID, &state.Folder, &uidValidity, &lastSeenUID, &state.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	state.UIDValidity = uint32(uidValidity)
	state.LastSeenUID = uint32(lastSeenUID)
	return &state, nil
}

// PutSyncState upserts the folder's state in a single statement. Within one UIDVALIDITY
// the stored last_seen_uid never decreases.
func PutSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, uidValidity, lastSeenUID uint32) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO folder_sync_state (account_id, folder_name, uid_validity, last_seen_uid, last_synced_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, folder_name) DO UPDATE SET
			uid_validity = EXCLUDED.uid_validity,
			last_seen_uid = CASE
				WHEN folder_sync_state.uid_validity = EXCLUDED.uid_validity
					THEN GREATEST(folder_sync_state.last_seen_uid, EXCLUDED.last_seen_uid)
				ELSE EXCLUDED.last_seen_uid
			END,
			last_synced_at = now()
	`, accountID, folder, int64(uidValidity), int64(lastSeenUID))
	if err != nil {
		return fmt.Errorf("failed to put sync state: %w", err)
	}
	return nil
}

// ResetSyncState forgets the folder's state so the next sync starts from scratch.
func ResetSyncState(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) error {
	_, err := pool.Exec(ctx, `DELETE FROM folder_sync_state WHERE account_id = $1 AND folder_name = $2`, accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, accountID, folder string) (*models.SyncState, error) {
	return GetSyncState(ctx, s.pool, accountID, folder)
}

func (s *Store) PutSyncState(ctx context.Context, accountID, folder string, uidValidity, lastSeenUID uint32) error {
	return PutSyncState(ctx, s.pool, accountID, folder, uidValidity, lastSeenUID)
}

func (s *Store) ResetSyncState(ctx context.Context, accountID, folder string) error {
	return ResetSyncState(ctx, s.pool, accountID, folder)
}

func (s *Store) HasGenerationChanged(ctx context.Context, accountID, folder string, uidValidity uint32) (bool, error) {
	state, err := GetSyncState(ctx, s.pool, accountID, folder)
	if err != nil {
		return false, err
	}
	return state != nil && state.UIDValidity != uidValidity, nil
}
