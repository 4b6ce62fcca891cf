package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
)

type staticResolver struct {
	credential provider.Credential
}

func (r staticResolver) IMAPCredential(context.Context, *models.Account) (provider.Credential, error) {
	return r.credential, nil
}

func TestFoldersHandler_GetFolders(t *testing.T) {
	const owner = "owner@example.com"

	server := testutil.NewTestIMAPServer(t)
	server.CreateFolder(t, "Work")
	server.CreateFolder(t, "Archive")

	st := newTestStore(t)
	account := newAccountFor(t, st, owner, "username@example.com")
	account.IMAPHost = server.Address
	require.NoError(t, st.SaveAccount(context.Background(), account))

	dialer := imap.NewDialer(imap.DialerConfig{
		ConnectTimeout: 5 * time.Second,
		SocketTimeout:  5 * time.Second,
		Plaintext:      true,
	}, nil, staticResolver{credential: provider.Credential{
		Username: server.Username(),
		Password: server.Password(),
	}}, quietLogger())

	handler := NewFoldersHandler(st, dialer, quietLogger())

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.GetFolders, "GET", "/api/v1/accounts/x/folders")
	})

	t.Run("returns 404 for unknown account", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetFolders(rr, requestAs(t, "GET", "/api/v1/accounts/missing/folders", owner, nil, "id", "missing"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("lists folders with INBOX first", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetFolders(rr, requestAs(t, "GET", "/api/v1/accounts/"+account.ID+"/folders", owner, nil, "id", account.ID))

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		folders := decodeBody[[]models.Folder](t, rr)

		names := make([]string, 0, len(folders))
		for _, f := range folders {
			names = append(names, f.Name)
		}
		assert.Equal(t, []string{"INBOX", "Archive", "Work"}, names)
	})

	t.Run("reports unreachable servers as bad gateway", func(t *testing.T) {
		broken := newAccountFor(t, st, owner, "broken@example.com")
		broken.IMAPHost = "127.0.0.1:1"
		require.NoError(t, st.SaveAccount(context.Background(), broken))

		rr := httptest.NewRecorder()
		handler.GetFolders(rr, requestAs(t, "GET", "/api/v1/accounts/"+broken.ID+"/folders", owner, nil, "id", broken.ID))
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestSortFolders(t *testing.T) {
	folders := []models.Folder{{Name: "Sent"}, {Name: "Drafts"}, {Name: "INBOX"}, {Name: "Archive"}}
	sortFolders(folders)
	assert.Equal(t, []models.Folder{{Name: "INBOX"}, {Name: "Archive"}, {Name: "Drafts"}, {Name: "Sent"}}, folders)
}
