package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

type messageRow struct {
	ID              string        `db:"id"`
	AccountID       string        `db:"account_id"`
	FolderName      string        `db:"folder_name"`
	IMAPUID         int64         `db:"imap_uid"`
	MessageIDHeader string        `db:"message_id_header"`
	ThreadHint      string        `db:"thread_hint"`
	FromAddresses   string        `db:"from_addresses"`
	ToAddresses     string        `db:"to_addresses"`
	CCAddresses     string        `db:"cc_addresses"`
	BCCAddresses    string        `db:"bcc_addresses"`
	ReplyTo         string        `db:"reply_to"`
	Subject         string        `db:"subject"`
	SentAt          sql.NullInt64 `db:"sent_at"`
	BodyText        string        `db:"body_text"`
	UnsafeBodyHTML  string        `db:"unsafe_body_html"`
	Snippet         string        `db:"snippet"`
	Flags           string        `db:"flags"`
	IsRead          bool          `db:"is_read"`
	IsStarred       bool          `db:"is_starred"`
	SizeBytes       int64         `db:"size_bytes"`
	Attachments     string        `db:"attachments"`
	SyncedAt        int64         `db:"synced_at"`
}

func newMessageRow(msg *models.Message, syncedAt int64) (*messageRow, error) {
	row := &messageRow{
		ID:              msg.ID,
		AccountID:       msg.AccountID,
		FolderName:      msg.Folder,
		IMAPUID:         int64(msg.UID),
		MessageIDHeader: msg.MessageIDHeader,
		ThreadHint:      msg.ThreadHint,
		Subject:         msg.Subject,
		BodyText:        msg.BodyText,
		UnsafeBodyHTML:  msg.UnsafeBodyHTML,
		Snippet:         msg.Snippet,
		IsRead:          msg.IsRead,
		IsStarred:       msg.IsStarred,
		SizeBytes:       msg.SizeBytes,
		SyncedAt:        syncedAt,
	}
	if !msg.SyncedAt.IsZero() {
		row.SyncedAt = toMillis(msg.SyncedAt)
	}
	if !msg.Date.IsZero() {
		row.SentAt = sql.NullInt64{Int64: toMillis(msg.Date), Valid: true}
	}

	var err error
	lists := []struct {
		dst *string
		src []string
	}{
		{&row.FromAddresses, msg.From},
		{&row.ToAddresses, msg.To},
		{&row.CCAddresses, msg.CC},
		{&row.BCCAddresses, msg.BCC},
		{&row.ReplyTo, msg.ReplyTo},
		{&row.Flags, msg.Flags},
	}
	for _, l := range lists {
		if *l.dst, err = encodeList(l.src); err != nil {
			return nil, err
		}
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}
	row.Attachments = string(encoded)
	return row, nil
}

func (r *messageRow) toModel() (*models.Message, error) {
	msg := &models.Message{
		ID:              r.ID,
		AccountID:       r.AccountID,
		Folder:          r.FolderName,
		UID:             uint32(r.IMAPUID),
		MessageIDHeader: r.MessageIDHeader,
		ThreadHint:      r.ThreadHint,
		Subject:         r.Subject,
		BodyText:        r.BodyText,
		UnsafeBodyHTML:  r.UnsafeBodyHTML,
		Snippet:         r.Snippet,
		IsRead:          r.IsRead,
		IsStarred:       r.IsStarred,
		SizeBytes:       r.SizeBytes,
		SyncedAt:        fromMillis(r.SyncedAt),
	}
	if r.SentAt.Valid {
		msg.Date = fromMillis(r.SentAt.Int64)
	}

	var err error
	lists := []struct {
		dst *[]string
		src string
	}{
		{&msg.From, r.FromAddresses},
		{&msg.To, r.ToAddresses},
		{&msg.CC, r.CCAddresses},
		{&msg.BCC, r.BCCAddresses},
		{&msg.ReplyTo, r.ReplyTo},
		{&msg.Flags, r.Flags},
	}
	for _, l := range lists {
		if *l.dst, err = decodeList(l.src); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", r.ID, err)
		}
	}

	msg.Attachments = []models.Attachment{}
	if err := json.Unmarshal([]byte(r.Attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments of %s: %w", r.ID, err)
	}
	return msg, nil
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	values := []string{}
	if s == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, err
	}
	return values, nil
}

const insertMessage = `
	INSERT INTO messages (
		id, account_id, folder_name, imap_uid, message_id_header, thread_hint,
		from_addresses, to_addresses, cc_addresses, bcc_addresses, reply_to,
		subject, sent_at, body_text, unsafe_body_html, snippet,
		flags, is_read, is_starred, size_bytes, attachments, synced_at
	) VALUES (
		:id, :account_id, :folder_name, :imap_uid, :message_id_header, :thread_hint,
		:from_addresses, :to_addresses, :cc_addresses, :bcc_addresses, :reply_to,
		:subject, :sent_at, :body_text, :unsafe_body_html, :snippet,
		:flags, :is_read, :is_starred, :size_bytes, :attachments, :synced_at
	)
	ON CONFLICT (id) DO NOTHING`

func (s *Store) AppendMessages(ctx context.Context, accountID, folder string, messages []*models.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	now := toMillis(s.now())
	rows := make([]*messageRow, 0, len(messages))
	for _, msg := range messages {
		if msg.AccountID != accountID || msg.Folder != folder {
			return 0, fmt.Errorf("message %s does not belong to %s/%s", msg.ID, accountID, folder)
		}
		row, err := newMessageRow(msg, now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareNamedContext(ctx, insertMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	added := 0
	for _, row := range rows {
		result, err := stmt.ExecContext(ctx, row)
		if err != nil {
			return 0, fmt.Errorf("failed to append message %s: %w", row.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit messages: %w", err)
	}
	return added, nil
}

func getMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toModel()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return getMessage(ctx, s.db, id)
}

func (s *Store) ListMessages(ctx context.Context, accountID, folder string) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM messages
		WHERE account_id = ? AND folder_name = ?
		ORDER BY sent_at IS NULL, sent_at DESC, imap_uid DESC`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*models.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) CountMessages(ctx context.Context, accountID, folder string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND folder_name = ?`, accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteFolderMessages(ctx context.Context, accountID, folder string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE account_id = ? AND folder_name = ?`, accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to delete folder messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) UpdateMessageFlags(ctx context.Context, id string, update models.FlagUpdate) (*models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := getMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	models.ApplyFlagUpdate(msg, update)

	flags, err := encodeList(msg.Flags)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET flags = ?, is_read = ?, is_starred = ? WHERE id = ?`,
		flags, boolToInt(msg.IsRead), boolToInt(msg.IsStarred), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update message flags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit flag update: %w", err)
	}
	return msg, nil
}
