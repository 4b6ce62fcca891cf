package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/store"
)

// MessageSender submits an outgoing message for an account.
type MessageSender interface {
	Send(ctx context.Context, account *models.Account, req *models.SendRequest) (string, error)
}

// SendHandler submits mail through the account's SMTP server.
type SendHandler struct {
	accounts store.AccountRegistry
	sender   MessageSender
	logger   *logrus.Logger
}

// NewSendHandler creates a new SendHandler instance.
func NewSendHandler(accounts store.AccountRegistry, sender MessageSender, logger *logrus.Logger) *SendHandler {
	return &SendHandler{
		accounts: accounts,
		sender:   sender,
		logger:   logger,
	}
}

// Send composes and submits the message, returning the Message-ID it was given.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.accounts, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.SendRequest
	if !decodeJSONBody(w, r, h.logger, &req, false) {
		return
	}

	messageID, err := h.sender.Send(ctx, account, &req)
	if errors.Is(err, smtp.ErrInvalidMessage) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.WithField("account_id", account.ID).Warnf("SendHandler: failed to send: %v", err)
		http.Error(w, "Failed to send message", http.StatusBadGateway)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, models.SendResponse{MessageID: messageID})
}
