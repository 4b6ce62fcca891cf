package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestAccountsHandler(t *testing.T) {
	const owner = "owner@example.com"

	st := newTestStore(t)
	encryptor := testutil.GetTestEncryptor(t)
	handler := NewAccountsHandler(st, encryptor, quietLogger())

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.ListAccounts, "GET", "/api/v1/accounts")
		VerifyAuthCheck(t, handler.CreateAccount, "POST", "/api/v1/accounts")
	})

	t.Run("lists no accounts as an empty array", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ListAccounts(rr, requestAs(t, "GET", "/api/v1/accounts", "nobody@example.com", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	var created models.Account
	t.Run("creates an account with a sealed secret", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.CreateAccount(rr, requestAs(t, "POST", "/api/v1/accounts", owner, models.AccountRequest{
			Email:    "me@example.com",
			IMAPHost: "imap.example.com",
			SMTPHost: "smtp.example.com",
			Secret:   "hunter2",
		}))

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		created = decodeBody[models.Account](t, rr)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, owner, created.OwnerEmail)
		assert.Equal(t, models.ProviderIMAP, created.Provider)
		assert.Equal(t, models.AuthModePassword, created.AuthMode)
		assert.Equal(t, "me@example.com", created.IMAPUsername)
		assert.Equal(t, "me@example.com", created.SMTPUsername)
		assert.NotContains(t, rr.Body.String(), "hunter2")

		stored, err := st.GetAccount(context.Background(), created.ID)
		require.NoError(t, err)
		secret, err := encryptor.Open(created.ID, stored.EncryptedSecret)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", secret)
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		tests := []struct {
			name string
			req  models.AccountRequest
		}{
			{"missing email", models.AccountRequest{IMAPHost: "imap.example.com", Secret: "x"}},
			{"missing secret", models.AccountRequest{Email: "me@example.com", IMAPHost: "imap.example.com"}},
			{"missing IMAP host", models.AccountRequest{Email: "me@example.com", Secret: "x"}},
			{"unknown provider", models.AccountRequest{Email: "me@example.com", Provider: "yahoo", Secret: "x"}},
			{"unsupported auth", models.AccountRequest{Email: "me@example.com", Provider: models.ProviderOutlook, AuthMode: models.AuthModePassword, Secret: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := httptest.NewRecorder()
				handler.CreateAccount(rr, requestAs(t, "POST", "/api/v1/accounts", owner, tt.req))
				assert.Equal(t, http.StatusBadRequest, rr.Code)
			})
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		req := requestAs(t, "POST", "/api/v1/accounts", owner, "not an object")
		rr := httptest.NewRecorder()
		handler.CreateAccount(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("gets and lists the owner's account", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetAccount(rr, requestAs(t, "GET", "/api/v1/accounts/"+created.ID, owner, nil, "id", created.ID))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, created.ID, decodeBody[models.Account](t, rr).ID)

		rr = httptest.NewRecorder()
		handler.ListAccounts(rr, requestAs(t, "GET", "/api/v1/accounts", owner, nil))
		require.Equal(t, http.StatusOK, rr.Code)
		accounts := decodeBody[[]models.Account](t, rr)
		require.Len(t, accounts, 1)
		assert.Equal(t, created.ID, accounts[0].ID)
	})

	t.Run("hides other owners' accounts", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetAccount(rr, requestAs(t, "GET", "/api/v1/accounts/"+created.ID, "intruder@example.com", nil, "id", created.ID))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("update keeps the secret when none is given", func(t *testing.T) {
		before, err := st.GetAccount(context.Background(), created.ID)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		handler.UpdateAccount(rr, requestAs(t, "PUT", "/api/v1/accounts/"+created.ID, owner, models.AccountRequest{
			Email:    "me@example.com",
			IMAPHost: "imap2.example.com",
		}, "id", created.ID))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		after, err := st.GetAccount(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "imap2.example.com", after.IMAPHost)
		assert.Equal(t, before.EncryptedSecret, after.EncryptedSecret)
	})

	t.Run("update replaces the secret when given", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.UpdateAccount(rr, requestAs(t, "PUT", "/api/v1/accounts/"+created.ID, owner, models.AccountRequest{
			Email:    "me@example.com",
			IMAPHost: "imap2.example.com",
			Secret:   "correct horse",
		}, "id", created.ID))
		require.Equal(t, http.StatusOK, rr.Code)

		after, err := st.GetAccount(context.Background(), created.ID)
		require.NoError(t, err)
		secret, err := encryptor.Open(created.ID, after.EncryptedSecret)
		require.NoError(t, err)
		assert.Equal(t, "correct horse", secret)
	})

	t.Run("deletes the account", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.DeleteAccount(rr, requestAs(t, "DELETE", "/api/v1/accounts/"+created.ID, owner, nil, "id", created.ID))
		assert.Equal(t, http.StatusNoContent, rr.Code)

		_, err := st.GetAccount(context.Background(), created.ID)
		assert.ErrorIs(t, err, store.ErrAccountNotFound)

		rr = httptest.NewRecorder()
		handler.DeleteAccount(rr, requestAs(t, "DELETE", "/api/v1/accounts/"+created.ID, owner, nil, "id", created.ID))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
