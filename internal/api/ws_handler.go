package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// QuickSyncer syncs INBOX of the given accounts.
type QuickSyncer interface {
	QuickSync(ctx context.Context, accounts []*models.Account, onProgress mailsync.ProgressFunc) []models.SyncResult
}

// WebSocketHandler handles the /api/v1/ws endpoint for live sync progress.
type WebSocketHandler struct {
	accounts store.AccountRegistry
	syncer   QuickSyncer
	hub      *ws.Hub
	progress *ProgressRouter
	logger   *logrus.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(accounts store.AccountRegistry, syncer QuickSyncer, hub *ws.Hub, progress *ProgressRouter, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		accounts: accounts,
		syncer:   syncer,
		hub:      hub,
		progress: progress,
		logger:   logger,
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server is expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Authentication uses the ?token= query parameter, falling back to the Authorization header.
// The first connection of an owner triggers a QuickSync of all their accounts so mail that
// arrived while nobody was watching shows up right away.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		h.logger.Debug("WebSocketHandler: no token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	owner, err := auth.ValidateToken(token)
	if err != nil {
		h.logger.Warnf("WebSocketHandler: token validation failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("owner", owner).Warnf("WebSocketHandler: failed to upgrade connection: %v", err)
		return
	}

	client, isFirstConnection := h.hub.Register(owner, conn)
	if client == nil {
		return
	}

	h.logger.WithField("owner", owner).Debug("WebSocketHandler: connection established")

	if isFirstConnection {
		// Not tied to the request: the sync should finish even if the socket drops.
		go h.quickSync(context.Background(), owner)
	}

	go h.readLoop(owner, client)
}

func (h *WebSocketHandler) quickSync(ctx context.Context, owner string) {
	logger := h.logger.WithField("owner", owner)

	accounts, err := h.accounts.ListAccountsByOwner(ctx, owner)
	if err != nil {
		logger.Errorf("WebSocketHandler: failed to list accounts for catch-up sync: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	h.progress.Remember(accounts...)
	results := h.syncer.QuickSync(ctx, accounts, h.progress.ForOwner(owner))

	failed := 0
	for _, result := range results {
		if !result.OK() {
			failed++
		}
	}
	logger.WithFields(logrus.Fields{"folders": len(results), "failed": failed}).Info("WebSocketHandler: catch-up sync finished")
}

// readLoop reads until the connection is closed, then unregisters the client.
func (h *WebSocketHandler) readLoop(owner string, client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(owner, client)
}
