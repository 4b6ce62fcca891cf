package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// SyncService is the part of the orchestrator the API drives.
type SyncService interface {
	SyncAccount(ctx context.Context, account *models.Account, folders []string, onProgress mailsync.ProgressFunc) []models.SyncResult
	SyncAllAccounts(ctx context.Context, accounts []*models.Account, folders []string, onProgress mailsync.ProgressFunc) []models.SyncResult
	QuickSync(ctx context.Context, accounts []*models.Account, onProgress mailsync.ProgressFunc) []models.SyncResult
}

// BackgroundTrigger wakes the background syncer.
type BackgroundTrigger interface {
	TriggerNow()
}

// SyncHandler starts manual syncs and reports sync state.
type SyncHandler struct {
	store      store.Store
	syncer     SyncService
	background BackgroundTrigger
	progress   *ProgressRouter
	logger     *logrus.Logger
}

// NewSyncHandler creates a new SyncHandler instance. background may be nil.
func NewSyncHandler(st store.Store, syncer SyncService, background BackgroundTrigger, progress *ProgressRouter, logger *logrus.Logger) *SyncHandler {
	return &SyncHandler{
		store:      st,
		syncer:     syncer,
		background: background,
		progress:   progress,
		logger:     logger,
	}
}

// SyncAll syncs the requested folders of every account of the owner.
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	folders, ok := h.requestedFolders(w, r)
	if !ok {
		return
	}

	accounts, ok := h.ownerAccounts(w, r, owner)
	if !ok {
		return
	}

	results := h.syncer.SyncAllAccounts(ctx, accounts, folders, h.progress.ForOwner(owner))
	WriteJSONResponse(w, h.logger, http.StatusOK, models.NewSyncResponse(results))
}

// QuickSync syncs INBOX of every account of the owner.
func (h *SyncHandler) QuickSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	accounts, ok := h.ownerAccounts(w, r, owner)
	if !ok {
		return
	}

	results := h.syncer.QuickSync(ctx, accounts, h.progress.ForOwner(owner))
	WriteJSONResponse(w, h.logger, http.StatusOK, models.NewSyncResponse(results))
}

// SyncAccount syncs the requested folders of one account.
func (h *SyncHandler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.store, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	folders, ok := h.requestedFolders(w, r)
	if !ok {
		return
	}

	results := h.syncer.SyncAccount(ctx, account, folders, h.progress.ForOwner(owner))
	WriteJSONResponse(w, h.logger, http.StatusOK, models.NewSyncResponse(results))
}

// TriggerBackground asks the background syncer for an immediate run and returns at once.
// The syncer's own rate limit decides whether the run happens.
func (h *SyncHandler) TriggerBackground(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetOwnerFromContext(r.Context(), w, h.logger); !ok {
		return
	}
	if h.background == nil {
		http.Error(w, "Background sync is disabled", http.StatusServiceUnavailable)
		return
	}

	h.background.TriggerNow()
	w.WriteHeader(http.StatusAccepted)
}

// GetSyncState reports the sync bookkeeping of one folder (INBOX by default).
func (h *SyncHandler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.store, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = mailsync.InboxFolder
	}
	logger := h.logger.WithFields(logrus.Fields{"account_id": account.ID, "folder": folder})

	state, err := h.store.GetSyncState(ctx, account.ID, folder)
	if err != nil {
		logger.Errorf("SyncHandler: failed to get sync state: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	total, err := h.store.CountMessages(ctx, account.ID, folder)
	if err != nil {
		logger.Errorf("SyncHandler: failed to count messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := models.SyncStateResponse{
		AccountID:   account.ID,
		Folder:      folder,
		TotalEmails: total,
	}
	if state != nil {
		lastSyncedAt := state.LastSyncedAt
		response.Synced = true
		response.UIDValidity = state.UIDValidity
		response.LastSeenUID = state.LastSeenUID
		response.LastSyncedAt = &lastSyncedAt
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, response)
}

func (h *SyncHandler) requestedFolders(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req models.SyncRequest
	if !decodeJSONBody(w, r, h.logger, &req, true) {
		return nil, false
	}

	folders := make([]string, 0, len(req.Folders))
	for _, folder := range req.Folders {
		if folder = strings.TrimSpace(folder); folder != "" {
			folders = append(folders, folder)
		}
	}
	if len(folders) == 0 {
		folders = []string{mailsync.InboxFolder}
	}
	return folders, true
}

func (h *SyncHandler) ownerAccounts(w http.ResponseWriter, r *http.Request, owner string) ([]*models.Account, bool) {
	accounts, err := h.store.ListAccountsByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Errorf("SyncHandler: failed to list accounts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	h.progress.Remember(accounts...)
	return accounts, true
}
