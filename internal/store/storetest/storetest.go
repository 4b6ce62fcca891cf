// Package storetest holds the behavior every store.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises s against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("sync state", func(t *testing.T) { testSyncState(t, newStore(t)) })
	t.Run("append messages", func(t *testing.T) { testAppendMessages(t, newStore(t)) })
	t.Run("update flags", func(t *testing.T) { testUpdateFlags(t, newStore(t)) })
	t.Run("delete folder messages", func(t *testing.T) { testDeleteFolderMessages(t, newStore(t)) })
	t.Run("delete account cascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("concurrent sync state keys", func(t *testing.T) { testConcurrentSyncState(t, newStore(t)) })
}

// NewAccount saves an account for owner and returns it.
func NewAccount(t *testing.T, s store.Store, owner, email string) *models.Account {
	t.Helper()
	account := &models.Account{
		OwnerEmail:      owner,
		Email:           email,
		Provider:        models.ProviderIMAP,
		AuthMode:        models.AuthModePassword,
		IMAPHost:        "imap.example.com:993",
		IMAPUsername:    email,
		EncryptedSecret: []byte("sealed"),
	}
	require.NoError(t, s.SaveAccount(context.Background(), account))
	require.NotEmpty(t, account.ID)
	return account
}

// NewMessage builds a parsed message as the engine would hand it to the store.
func NewMessage(accountID, folder string, uid uint32, date time.Time) *models.Message {
	return &models.Message{
		ID:              models.MessageID(accountID, folder, uid),
		AccountID:       accountID,
		Folder:          folder,
		UID:             uid,
		MessageIDHeader: fmt.Sprintf("<%d@example.com>", uid),
		From:            []string{"Sender <sender@example.com>"},
		To:              []string{"me@example.com"},
		CC:              []string{},
		BCC:             []string{},
		ReplyTo:         []string{},
		Subject:         fmt.Sprintf("Message %d", uid),
		Date:            date,
		BodyText:        "Hello",
		Snippet:         "Hello",
		Flags:           []string{},
		SizeBytes:       512,
		Attachments:     []models.Attachment{},
	}
}

func testAccounts(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	alice := NewAccount(t, s, "alice@example.com", "alice@work.example.com")
	NewAccount(t, s, "bob@example.com", "bob@example.com")

	got, err := s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Email, got.Email)
	assert.Equal(t, models.ConnectionUnknown, got.ConnectionStatus)
	assert.Equal(t, []byte("sealed"), got.EncryptedSecret)

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	owned, err := s.ListAccountsByOwner(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, alice.ID, owned[0].ID)

	none, err := s.ListAccountsByOwner(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	require.NoError(t, s.SetConnectionStatus(ctx, alice.ID, models.ConnectionFailed, "bad password"))
	got, err = s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionFailed, got.ConnectionStatus)
	assert.Equal(t, "bad password", got.LastError)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
	assert.ErrorIs(t, s.SetConnectionStatus(ctx, "missing", models.ConnectionConnected, ""), store.ErrAccountNotFound)
	assert.ErrorIs(t, s.DeleteAccount(ctx, "missing"), store.ErrAccountNotFound)
}

func testSyncState(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	account := NewAccount(t, s, "owner@example.com", "a@example.com")

	t.Run("absent state", func(t *testing.T) {
		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Nil(t, state)

		changed, err := s.HasGenerationChanged(ctx, account.ID, "INBOX", 7)
		require.NoError(t, err)
		assert.False(t, changed, "a folder without state has no generation to change")
	})

	t.Run("put then get", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.PutSyncState(ctx, account.ID, "INBOX", 7, 120))

		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, account.ID, state.AccountID)
		assert.Equal(t, "INBOX", state.Folder)
		assert.Equal(t, uint32(7), state.UIDValidity)
		assert.Equal(t, uint32(120), state.LastSeenUID)
		assert.True(t, state.LastSyncedAt.After(before), "lastSyncedAt must be refreshed")
	})

	t.Run("generation check", func(t *testing.T) {
		changed, err := s.HasGenerationChanged(ctx, account.ID, "INBOX", 7)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.HasGenerationChanged(ctx, account.ID, "INBOX", 8)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		require.NoError(t, s.PutSyncState(ctx, account.ID, "INBOX", 7, 121))
		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(121), state.LastSeenUID)
	})

	t.Run("last seen UID never moves backward", func(t *testing.T) {
		require.NoError(t, s.PutSyncState(ctx, account.ID, "INBOX", 7, 100))
		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(121), state.LastSeenUID)
	})

	t.Run("a new generation replaces the last seen UID", func(t *testing.T) {
		require.NoError(t, s.PutSyncState(ctx, account.ID, "INBOX", 8, 5))
		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(8), state.UIDValidity)
		assert.Equal(t, uint32(5), state.LastSeenUID)
	})

	t.Run("large UIDs survive", func(t *testing.T) {
		require.NoError(t, s.PutSyncState(ctx, account.ID, "Archive", 4294967295, 4294967290))
		state, err := s.GetSyncState(ctx, account.ID, "Archive")
		require.NoError(t, err)
		assert.Equal(t, uint32(4294967295), state.UIDValidity)
		assert.Equal(t, uint32(4294967290), state.LastSeenUID)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, s.ResetSyncState(ctx, account.ID, "INBOX"))
		state, err := s.GetSyncState(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Nil(t, state)

		require.NoError(t, s.ResetSyncState(ctx, account.ID, "INBOX"), "resetting twice is harmless")
	})
}

func testAppendMessages(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	account := NewAccount(t, s, "owner@example.com", "a@example.com")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := []*models.Message{
		NewMessage(account.ID, "INBOX", 1, base),
		NewMessage(account.ID, "INBOX", 2, base.Add(time.Hour)),
	}
	first[0].Attachments = []models.Attachment{{Filename: "a.pdf", MimeType: "application/pdf", SizeBytes: 3, Content: []byte("pdf")}}
	first[1].ThreadHint = "<1@example.com>"

	added, err := s.AppendMessages(ctx, account.ID, "INBOX", first)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	t.Run("appending the same batch again adds nothing", func(t *testing.T) {
		added, err := s.AppendMessages(ctx, account.ID, "INBOX", first)
		require.NoError(t, err)
		assert.Equal(t, 0, added)

		count, err := s.CountMessages(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("existing ids are never overwritten", func(t *testing.T) {
		changed := NewMessage(account.ID, "INBOX", 1, base)
		changed.Subject = "rewritten"
		mixed := []*models.Message{changed, NewMessage(account.ID, "INBOX", 3, base.Add(2*time.Hour))}

		added, err := s.AppendMessages(ctx, account.ID, "INBOX", mixed)
		require.NoError(t, err)
		assert.Equal(t, 1, added)

		got, err := s.GetMessage(ctx, models.MessageID(account.ID, "INBOX", 1))
		require.NoError(t, err)
		assert.Equal(t, "Message 1", got.Subject)
	})

	t.Run("list is newest first", func(t *testing.T) {
		messages, err := s.ListMessages(ctx, account.ID, "INBOX")
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, []uint32{3, 2, 1}, []uint32{messages[0].UID, messages[1].UID, messages[2].UID})
	})

	t.Run("round trip keeps every field", func(t *testing.T) {
		got, err := s.GetMessage(ctx, first[0].ID)
		require.NoError(t, err)

		diff := cmp.Diff(first[0], got,
			cmpopts.IgnoreFields(models.Message{}, "SyncedAt"),
			cmpopts.EquateApproxTime(time.Millisecond),
			cmpopts.EquateEmpty(),
		)
		assert.Empty(t, diff)
		assert.False(t, got.SyncedAt.IsZero())
	})

	t.Run("same UID in another folder is a different message", func(t *testing.T) {
		added, err := s.AppendMessages(ctx, account.ID, "Archive", []*models.Message{NewMessage(account.ID, "Archive", 1, base)})
		require.NoError(t, err)
		assert.Equal(t, 1, added)

		count, err := s.CountMessages(ctx, account.ID, "Archive")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("empty folder lists as empty slice", func(t *testing.T) {
		messages, err := s.ListMessages(ctx, account.ID, "Spam")
		require.NoError(t, err)
		assert.NotNil(t, messages)
		assert.Empty(t, messages)
	})

	t.Run("rejects messages of another folder", func(t *testing.T) {
		_, err := s.AppendMessages(ctx, account.ID, "INBOX", []*models.Message{NewMessage(account.ID, "Sent", 9, base)})
		assert.Error(t, err)
	})

	t.Run("missing message", func(t *testing.T) {
		_, err := s.GetMessage(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrMessageNotFound)
	})
}

func testUpdateFlags(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	account := NewAccount(t, s, "owner@example.com", "a@example.com")

	msg := NewMessage(account.ID, "INBOX", 5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	msg.Flags = []string{`\Answered`}
	_, err := s.AppendMessages(ctx, account.ID, "INBOX", []*models.Message{msg})
	require.NoError(t, err)

	yes, no := true, false

	updated, err := s.UpdateMessageFlags(ctx, msg.ID, models.FlagUpdate{IsRead: &yes, IsStarred: &yes})
	require.NoError(t, err)
	assert.True(t, updated.IsRead)
	assert.True(t, updated.IsStarred)
	assert.ElementsMatch(t, []string{`\Answered`, models.SeenFlag, models.FlaggedFlag}, updated.Flags)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
	assert.ElementsMatch(t, updated.Flags, stored.Flags)

	updated, err = s.UpdateMessageFlags(ctx, msg.ID, models.FlagUpdate{IsStarred: &no})
	require.NoError(t, err)
	assert.True(t, updated.IsRead, "unset fields are left alone")
	assert.False(t, updated.IsStarred)
	assert.ElementsMatch(t, []string{`\Answered`, models.SeenFlag}, updated.Flags)

	_, err = s.UpdateMessageFlags(ctx, "missing", models.FlagUpdate{IsRead: &yes})
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func testDeleteFolderMessages(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	account := NewAccount(t, s, "owner@example.com", "a@example.com")
	other := NewAccount(t, s, "owner@example.com", "b@example.com")
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, uid := range []uint32{1, 2, 3} {
		_, err := s.AppendMessages(ctx, account.ID, "INBOX", []*models.Message{NewMessage(account.ID, "INBOX", uid, date)})
		require.NoError(t, err)
	}
	_, err := s.AppendMessages(ctx, account.ID, "Archive", []*models.Message{NewMessage(account.ID, "Archive", 1, date)})
	require.NoError(t, err)
	_, err = s.AppendMessages(ctx, other.ID, "INBOX", []*models.Message{NewMessage(other.ID, "INBOX", 1, date)})
	require.NoError(t, err)

	deleted, err := s.DeleteFolderMessages(ctx, account.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err := s.CountMessages(ctx, account.ID, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = s.CountMessages(ctx, account.ID, "Archive")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = s.CountMessages(ctx, other.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	t.Run("freed UIDs can be stored again", func(t *testing.T) {
		reused := NewMessage(account.ID, "INBOX", 1, date)
		reused.Subject = "Next generation"
		added, err := s.AppendMessages(ctx, account.ID, "INBOX", []*models.Message{reused})
		require.NoError(t, err)
		assert.Equal(t, 1, added)

		got, err := s.GetMessage(ctx, reused.ID)
		require.NoError(t, err)
		assert.Equal(t, "Next generation", got.Subject)
	})

	t.Run("empty folder deletes nothing", func(t *testing.T) {
		deleted, err := s.DeleteFolderMessages(ctx, account.ID, "Spam")
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func testDeleteCascades(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	doomed := NewAccount(t, s, "owner@example.com", "doomed@example.com")
	kept := NewAccount(t, s, "owner@example.com", "kept@example.com")
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, a := range []*models.Account{doomed, kept} {
		_, err := s.AppendMessages(ctx, a.ID, "INBOX", []*models.Message{NewMessage(a.ID, "INBOX", 1, date)})
		require.NoError(t, err)
		require.NoError(t, s.PutSyncState(ctx, a.ID, "INBOX", 1, 1))
	}

	require.NoError(t, s.DeleteAccount(ctx, doomed.ID))

	_, err := s.GetAccount(ctx, doomed.ID)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
	count, err := s.CountMessages(ctx, doomed.ID, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, count)
	state, err := s.GetSyncState(ctx, doomed.ID, "INBOX")
	require.NoError(t, err)
	assert.Nil(t, state)

	count, err = s.CountMessages(ctx, kept.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testConcurrentSyncState(t *testing.T, s store.Store) {
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	account := NewAccount(t, s, "owner@example.com", "a@example.com")
	folders := []string{"INBOX", "Sent", "Archive", "Drafts"}

	var wg sync.WaitGroup
	errs := make(chan error, len(folders)*10)
	for _, folder := range folders {
		wg.Add(1)
		go func(folder string) {
			defer wg.Done()
			for uid := uint32(1); uid <= 10; uid++ {
				errs <- s.PutSyncState(ctx, account.ID, folder, 1, uid)
			}
		}(folder)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, folder := range folders {
		state, err := s.GetSyncState(ctx, account.ID, folder)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, uint32(10), state.LastSeenUID, folder)
	}
}
