package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

const defaultMessagesPerPage = 50

// MessagesHandler serves synced messages from the local store.
type MessagesHandler struct {
	store  store.Store
	logger *logrus.Logger
}

// NewMessagesHandler creates a new MessagesHandler instance.
func NewMessagesHandler(st store.Store, logger *logrus.Logger) *MessagesHandler {
	return &MessagesHandler{store: st, logger: logger}
}

// ListMessages returns one page of a folder's messages, newest first.
// It reads the store only; syncing is a separate request.
func (h *MessagesHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
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
	page, limit := ParsePaginationParams(r, defaultMessagesPerPage)

	messages, err := h.store.ListMessages(ctx, account.ID, folder)
	if err != nil {
		h.logger.WithFields(logrus.Fields{"account_id": account.ID, "folder": folder}).
			Errorf("MessagesHandler: failed to list messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, BuildMessagesResponse(messages, page, limit))
}

// BuildMessagesResponse slices one page out of the full, already ordered list.
func BuildMessagesResponse(messages []*models.Message, page, limit int) *models.MessagesResponse {
	total := len(messages)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)

	pageMessages := messages[start:end]
	if pageMessages == nil {
		pageMessages = []*models.Message{}
	}

	return &models.MessagesResponse{
		Messages: pageMessages,
		Pagination: models.PaginationInfo{
			TotalCount:  total,
			Page:        page,
			PerPage:     limit,
			HasNextPage: end < total,
		},
	}
}

// GetMessage returns one message by its folder-scoped id.
func (h *MessagesHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	msg, ok := h.loadOwnedMessage(w, r, owner)
	if !ok {
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, msg)
}

// UpdateFlags marks a message read/unread or starred/unstarred in the local store.
// The change is not pushed to the server.
func (h *MessagesHandler) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	msg, ok := h.loadOwnedMessage(w, r, owner)
	if !ok {
		return
	}

	var update models.FlagUpdate
	if !decodeJSONBody(w, r, h.logger, &update, false) {
		return
	}
	if update.IsEmpty() {
		http.Error(w, "is_read or is_starred is required", http.StatusBadRequest)
		return
	}

	updated, err := h.store.UpdateMessageFlags(ctx, msg.ID, update)
	if err != nil {
		h.logger.WithField("message_id", msg.ID).Errorf("MessagesHandler: failed to update flags: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, updated)
}

// loadOwnedMessage resolves the {id} path value and checks the message's account
// belongs to owner. Messages of other owners are reported as not found.
func (h *MessagesHandler) loadOwnedMessage(w http.ResponseWriter, r *http.Request, owner string) (*models.Message, bool) {
	ctx := r.Context()
	id := r.PathValue("id")

	msg, err := h.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrMessageNotFound) {
		http.Error(w, "Message not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.WithField("message_id", id).Errorf("MessagesHandler: failed to get message: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}

	account, err := h.store.GetAccount(ctx, msg.AccountID)
	if err != nil || account.OwnerEmail != owner {
		http.Error(w, "Message not found", http.StatusNotFound)
		return nil, false
	}

	return msg, true
}
