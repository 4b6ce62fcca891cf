package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
)

type staticResolver struct {
	credential provider.Credential
	err        error
}

func (r staticResolver) IMAPCredential(context.Context, *models.Account) (provider.Credential, error) {
	return r.credential, r.err
}

func newTestDialer(server *testutil.TestIMAPServer, limiter *ConnectionLimiter) *Dialer {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	resolver := staticResolver{credential: provider.Credential{
		Username: server.Username(),
		Password: server.Password(),
	}}
	return NewDialer(DialerConfig{
		ConnectTimeout: 5 * time.Second,
		SocketTimeout:  5 * time.Second,
		Plaintext:      true,
	}, limiter, resolver, logger)
}

func testAccount(server *testutil.TestIMAPServer) *models.Account {
	return &models.Account{
		ID:       "acc-1",
		Email:    "username@example.com",
		Provider: models.ProviderIMAP,
		AuthMode: models.AuthModePassword,
		IMAPHost: server.Address,
	}
}

func TestDialer(t *testing.T) {
	ctx := context.Background()

	t.Run("reports folder status", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()

		status, err := conn.Status(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), status.Exists)
		assert.Equal(t, uint32(1), status.UIDValidity)
		assert.Equal(t, uint32(7), status.UIDNext)
	})

	t.Run("fails for unknown folder", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Status(ctx, "Nope")
		assert.Error(t, err)
		assert.Error(t, conn.Open(ctx, "Nope"))
	})

	t.Run("streams a UID range with full sources", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		uids := server.SeedFolder(t, "Work", 3)

		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Open(ctx, "Work"))

		var fetched []*RawMessage
		err = conn.FetchRange(ctx, UIDRange{From: uids[1]}, func(raw *RawMessage) error {
			fetched = append(fetched, raw)
			return nil
		})
		require.NoError(t, err)

		require.Len(t, fetched, 2)
		for i, raw := range fetched {
			assert.Equal(t, uids[i+1], raw.UID)
			assert.NotEmpty(t, raw.Source)
			assert.NotZero(t, raw.Size)
			require.NotNil(t, raw.Envelope)
			assert.NotEmpty(t, raw.Envelope.Subject)
			assert.NotContains(t, raw.Flags, imap.SeenFlag)
		}

		msg, err := ParseMessage(fetched[0], "acc-1", "Work")
		require.NoError(t, err)
		assert.Equal(t, "Seed 2", msg.Subject)
		assert.Equal(t, "<seed-2@example.com>", msg.MessageIDHeader)
	})

	t.Run("keeps the connection usable after a handler error", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		server.SeedFolder(t, "Work", 3)

		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.Open(ctx, "Work"))

		boom := errors.New("boom")
		calls := 0
		err = conn.FetchRange(ctx, UIDRange{From: 1}, func(*RawMessage) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)

		status, err := conn.Status(ctx, "Work")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), status.Exists)
	})

	t.Run("lists folders", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		server.CreateFolder(t, "Archive")

		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()

		folders, err := conn.ListFolders(ctx)
		require.NoError(t, err)
		assert.Contains(t, folders, models.Folder{Name: "INBOX"})
		assert.Contains(t, folders, models.Folder{Name: "Archive"})
	})

	t.Run("wrong password fails and frees the slot", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		limiter := NewConnectionLimiter(1)
		dialer := newTestDialer(server, limiter)
		dialer.resolver = staticResolver{credential: provider.Credential{Username: "username", Password: "wrong"}}

		_, err := dialer.Connect(ctx, testAccount(server))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to authenticate")
		assert.Equal(t, 0, limiter.InUse("acc-1"))
	})

	t.Run("credential errors fail before dialing", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		dialer := newTestDialer(server, nil)
		dialer.resolver = staticResolver{err: errors.New("no secret")}

		_, err := dialer.Connect(ctx, testAccount(server))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no secret")
	})

	t.Run("unknown provider is rejected", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		account := testAccount(server)
		account.Provider = "fax"

		_, err := newTestDialer(server, nil).Connect(ctx, account)
		assert.ErrorIs(t, err, provider.ErrUnknownProvider)
	})

	t.Run("close is idempotent and frees the slot", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		limiter := NewConnectionLimiter(2)
		conn, err := newTestDialer(server, limiter).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		assert.Equal(t, 1, limiter.InUse("acc-1"))

		assert.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
		assert.Equal(t, 0, limiter.InUse("acc-1"))

		_, err = conn.Status(ctx, "INBOX")
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("waits for a free slot until the context ends", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		dialer := newTestDialer(server, NewConnectionLimiter(1))

		first, err := dialer.Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer first.Close()

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = dialer.Connect(waitCtx, testAccount(server))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancelled context stops commands", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		conn, err := newTestDialer(server, nil).Connect(ctx, testAccount(server))
		require.NoError(t, err)
		defer conn.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = conn.Status(cancelled, "INBOX")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
