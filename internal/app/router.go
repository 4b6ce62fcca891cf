package app

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/auth"
)

// Handlers are the API handlers NewRouter mounts.
type Handlers struct {
	Auth      *api.AuthHandler
	Accounts  *api.AccountsHandler
	Folders   *api.FoldersHandler
	Sync      *api.SyncHandler
	Messages  *api.MessagesHandler
	Send      *api.SendHandler
	WebSocket *api.WebSocketHandler
}

// NewRouter maps the API routes. Everything under /api/v1 requires a bearer token except
// the WebSocket endpoint, which authenticates itself because browsers cannot set headers on it.
func NewRouter(h Handlers, logger *logrus.Logger) http.Handler {
	mux := http.NewServeMux()

	protected := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, auth.RequireAuth(logger, handler))
	}

	mux.HandleFunc("GET /{$}", handleRoot)

	protected("GET /api/v1/auth/status", h.Auth.GetAuthStatus)

	protected("GET /api/v1/accounts", h.Accounts.ListAccounts)
	protected("POST /api/v1/accounts", h.Accounts.CreateAccount)
	protected("GET /api/v1/accounts/{id}", h.Accounts.GetAccount)
	protected("PUT /api/v1/accounts/{id}", h.Accounts.UpdateAccount)
	protected("DELETE /api/v1/accounts/{id}", h.Accounts.DeleteAccount)
	protected("GET /api/v1/accounts/{id}/folders", h.Folders.GetFolders)
	protected("GET /api/v1/accounts/{id}/messages", h.Messages.ListMessages)
	protected("POST /api/v1/accounts/{id}/send", h.Send.Send)

	protected("POST /api/v1/sync", h.Sync.SyncAll)
	protected("POST /api/v1/sync/quick", h.Sync.QuickSync)
	protected("POST /api/v1/sync/background", h.Sync.TriggerBackground)
	protected("POST /api/v1/accounts/{id}/sync", h.Sync.SyncAccount)
	protected("GET /api/v1/accounts/{id}/sync-state", h.Sync.GetSyncState)

	protected("GET /api/v1/messages/{id}", h.Messages.GetMessage)
	protected("PATCH /api/v1/messages/{id}", h.Messages.UpdateFlags)

	mux.HandleFunc("GET /api/v1/ws", h.WebSocket.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mail sync API is running")
}
