package smtp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
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

func (r staticResolver) SMTPCredential(context.Context, *models.Account) (provider.Credential, error) {
	return r.credential, r.err
}

func newTestSender(credential provider.Credential) *Sender {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewSender(staticResolver{credential: credential}, Config{
		Timeout:   5 * time.Second,
		Plaintext: true,
		Now:       func() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) },
	}, logger)
}

func smtpAccount(server *testutil.TestSMTPServer) *models.Account {
	return &models.Account{
		ID:       "acc-1",
		Email:    "me@example.com",
		Provider: models.ProviderIMAP,
		AuthMode: models.AuthModePassword,
		SMTPHost: server.Address,
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("sends with PLAIN and hides Bcc", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{Username: server.Username(), Password: server.Password()})

		messageID, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{
			To:        []string{"Ann <ann@example.com>"},
			CC:        []string{"carl@example.com"},
			BCC:       []string{"secret@example.com"},
			Subject:   "Lunch",
			BodyText:  "Noon?",
			BodyHTML:  "<p>Noon?</p>",
			InReplyTo: "<parent@example.com>",
			Attachments: []models.Attachment{
				{Filename: "menu.txt", MimeType: "text/plain", Content: []byte("soup")},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, messageID, "@example.com>")

		messages := server.Messages()
		require.Len(t, messages, 1)
		received := messages[0]
		assert.Equal(t, "me@example.com", received.From)
		assert.ElementsMatch(t, []string{"ann@example.com", "carl@example.com", "secret@example.com"}, received.To)
		assert.Equal(t, "PLAIN", received.AuthMechanism)

		env, err := enmime.ReadEnvelope(bytes.NewReader(received.Data))
		require.NoError(t, err)
		assert.Equal(t, "Lunch", env.GetHeader("Subject"))
		assert.Equal(t, "<parent@example.com>", env.GetHeader("In-Reply-To"))
		assert.NotEmpty(t, env.GetHeader("Message-ID"))
		assert.Empty(t, env.GetHeader("Bcc"))
		assert.Contains(t, env.Text, "Noon?")
		assert.Contains(t, env.HTML, "<p>Noon?</p>")
		require.Len(t, env.Attachments, 1)
		assert.Equal(t, "menu.txt", env.Attachments[0].FileName)
	})

	t.Run("sends with XOAUTH2 for token credentials", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{Username: server.Username(), AccessToken: server.Token()})

		_, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{
			To:       []string{"ann@example.com"},
			Subject:  "Hi",
			BodyText: "Hello",
		})
		require.NoError(t, err)

		messages := server.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, "XOAUTH2", messages[0].AuthMechanism)
	})

	t.Run("rejects bad credentials", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{Username: server.Username(), Password: "wrong"})

		_, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{
			To:       []string{"ann@example.com"},
			Subject:  "Hi",
			BodyText: "Hello",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to authenticate")
		assert.Empty(t, server.Messages())
	})

	t.Run("authenticates with a login shared with IMAP", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		server.SetLogin("username", "password")
		sender := newTestSender(provider.Credential{Username: "username", Password: "password"})

		_, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{
			To:       []string{"ann@example.com"},
			Subject:  "Hi",
			BodyText: "Hello",
		})
		require.NoError(t, err)
		assert.Len(t, server.Messages(), 1)
	})

	t.Run("validates the request before connecting", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{Username: server.Username(), Password: server.Password()})

		tests := []struct {
			name string
			req  models.SendRequest
		}{
			{"no subject", models.SendRequest{To: []string{"ann@example.com"}}},
			{"no recipients", models.SendRequest{Subject: "Hi"}},
			{"bad address", models.SendRequest{To: []string{"not an address"}, Subject: "Hi"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := sender.Send(ctx, smtpAccount(server), &tt.req)
				assert.ErrorIs(t, err, ErrInvalidMessage)
			})
		}
		assert.Empty(t, server.Messages())
	})

	t.Run("credential errors are returned", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{})
		sender.resolver = staticResolver{err: errors.New("vault sealed")}

		_, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{To: []string{"ann@example.com"}, Subject: "Hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vault sealed")
	})

	t.Run("requires STARTTLS on plain submission ports", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newTestSender(provider.Credential{Username: server.Username(), Password: server.Password()})
		sender.config.Plaintext = false

		_, err := sender.Send(ctx, smtpAccount(server), &models.SendRequest{To: []string{"ann@example.com"}, Subject: "Hi"})
		assert.ErrorIs(t, err, ErrNoSTARTTLS)
		assert.Empty(t, server.Messages())
	})
}

func TestNewMessageID(t *testing.T) {
	assert.Regexp(t, `^<[0-9a-f-]{36}@example\.com>$`, newMessageID("me@example.com"))
	assert.Regexp(t, `@localhost>$`, newMessageID("broken"))
}
