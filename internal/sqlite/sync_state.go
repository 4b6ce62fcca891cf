package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
)

type syncStateRow struct {
	AccountID    string `db:"account_id"`
	FolderName   string `db:"folder_name"`
	UIDValidity  int64  `db:"uid_validity"`
	LastSeenUID  int64  `db:"last_seen_uid"`
	LastSyncedAt int64  `db:"last_synced_at"`
}

func (s *Store) GetSyncState(ctx context.Context, accountID, folder string) (*models.SyncState, error) {
	var row syncStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM folder_sync_state WHERE account_id = ? AND folder_name = ?`, accountID, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	return &models.SyncState{
		AccountID:    row.AccountID,
		Folder:       row.FolderName,
		UIDValidity:  uint32(row.UIDValidity),
		LastSeenUID:  uint32(row.LastSeenUID),
		LastSyncedAt: fromMillis(row.LastSyncedAt),
	}, nil
}

func (s *Store) PutSyncState(ctx context.Context, accountID, folder string, uidValidity, lastSeenUID uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_sync_state (account_id, folder_name, uid_validity, last_seen_uid, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, folder_name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_seen_uid = CASE
				WHEN folder_sync_state.uid_validity = excluded.uid_validity
					THEN MAX(folder_sync_state.last_seen_uid, excluded.last_seen_uid)
				ELSE excluded.last_seen_uid
			END,
			last_synced_at = excluded.last_synced_at`,
		accountID, folder, int64(uidValidity), int64(lastSeenUID), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to put sync state: %w", err)
	}
	return nil
}

func (s *Store) ResetSyncState(ctx context.Context, accountID, folder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM folder_sync_state WHERE account_id = ? AND folder_name = ?`, accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

func (s *Store) HasGenerationChanged(ctx context.Context, accountID, folder string, uidValidity uint32) (bool, error) {
	state, err := s.GetSyncState(ctx, accountID, folder)
	if err != nil {
		return false, err
	}
	return state != nil && state.UIDValidity != uidValidity, nil
}
