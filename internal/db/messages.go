package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

const messageColumns = `
	id,
	account_id,
	folder_name,
	imap_uid,
	message_id_header,
	thread_hint,
	from_addresses,
	to_addresses,
	cc_addresses,
	bcc_addresses,
	reply_to,
	subject,
	sent_at,
	body_text,
	unsafe_body_html,
	snippet,
	flags,
	is_read,
	is_starred,
	size_bytes,
	attachments,
	synced_at`

// AppendMessages inserts the messages whose id is not stored yet and returns how many went in.
// Existing rows are left exactly as they are.
func AppendMessages(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, messages []*models.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, msg := range messages {
		if msg.AccountID != accountID || msg.Folder != folder {
			return 0, fmt.Errorf("message %s does not belong to %s/%s", msg.ID, accountID, folder)
		}
		attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
		if err != nil {
			return 0, fmt.Errorf("failed to encode attachments of %s: %w", msg.ID, err)
		}
		syncedAt := msg.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = time.Now()
		}
		batch.Queue(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (id) DO NOTHING
		`,
			msg.ID,
			msg.AccountID,
			msg.Folder,
			int64(msg.UID),
			msg.MessageIDHeader,
			msg.ThreadHint,
			nonNil(msg.From),
			nonNil(msg.To),
			nonNil(msg.CC),
			nonNil(msg.BCC),
			nonNil(msg.ReplyTo),
			msg.Subject,
			nullableTime(msg.Date),
			msg.BodyText,
			msg.UnsafeBodyHTML,
			msg.Snippet,
			nonNil(msg.Flags),
			msg.IsRead,
			msg.IsStarred,
			msg.SizeBytes,
			attachments,
			syncedAt,
		)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, batch)
	added := 0
	for range messages {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("failed to append message: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to append messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit messages: %w", err)
	}
	return added, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg         models.Message
		uid         int64
		sentAt      *time.Time
		attachments []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.Folder,
		&uid,
		&msg.MessageIDHeader,
		&msg.ThreadHint,
		&msg.From,
		&msg.To,
		&msg.CC,
		&msg.BCC,
		&msg.ReplyTo,
		&msg.Subject,
		&sentAt,
		&msg.BodyText,
		&msg.UnsafeBodyHTML,
		&msg.Snippet,
		&msg.Flags,
		&msg.IsRead,
		&msg.IsStarred,
		&msg.SizeBytes,
		&attachments,
		&msg.SyncedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.UID = uint32(uid)
	if sentAt != nil {
		msg.Date = *sentAt
	}
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments of %s: %w", msg.ID, err)
	}
	msg.Attachments = nonNilAttachments(msg.Attachments)
	return &msg, nil
}

// GetMessage returns store.ErrMessageNotFound when no message has the id.
func GetMessage(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a folder's messages, newest first.
func ListMessages(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND folder_name = $2
		ORDER BY sent_at DESC NULLS LAST, imap_uid DESC
	`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns how many messages the folder holds.
func CountMessages(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteFolderMessages removes all messages of one folder.
func DeleteFolderMessages(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) (int, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM messages WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to delete folder messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateMessageFlags locks the row, applies the update, and writes the flags back in one transaction.
func UpdateMessageFlags(ctx context.Context, pool *pgxpool.Pool, id string, update models.FlagUpdate) (*models.Message, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	models.ApplyFlagUpdate(msg, update)

	_, err = tx.Exec(ctx, `
		UPDATE messages SET flags = $2, is_read = $3, is_starred = $4 WHERE id = $1
	`, id, msg.Flags, msg.IsRead, msg.IsStarred)
	if err != nil {
		return nil, fmt.Errorf("failed to update message flags: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit flag update: %w", err)
	}
	return msg, nil
}

func (s *Store) AppendMessages(ctx context.Context, accountID, folder string, messages []*models.Message) (int, error) {
	return AppendMessages(ctx, s.pool, accountID, folder, messages)
}

func (s *Store) UpdateMessageFlags(ctx context.Context, id string, update models.FlagUpdate) (*models.Message, error) {
	return UpdateMessageFlags(ctx, s.pool, id, update)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return GetMessage(ctx, s.pool, id)
}

func (s *Store) ListMessages(ctx context.Context, accountID, folder string) ([]*models.Message, error) {
	return ListMessages(ctx, s.pool, accountID, folder)
}

func (s *Store) CountMessages(ctx context.Context, accountID, folder string) (int, error) {
	return CountMessages(ctx, s.pool, accountID, folder)
}

func (s *Store) DeleteFolderMessages(ctx context.Context, accountID, folder string) (int, error) {
	return DeleteFolderMessages(ctx, s.pool, accountID, folder)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilAttachments(values []models.Attachment) []models.Attachment {
	if values == nil {
		return []models.Attachment{}
	}
	return values
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
