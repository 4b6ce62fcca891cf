package api

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

type AuthHandler struct {
	accounts store.AccountRegistry
	logger   *logrus.Logger
}

func NewAuthHandler(accounts store.AccountRegistry, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, logger: logger}
}

func (h *AuthHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsByOwner(ctx, owner)
	if err != nil {
		h.logger.Errorf("AuthHandler: failed to list accounts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, models.AuthStatusResponse{
		IsAuthenticated: true,
		AccountCount:    len(accounts),
	})
}
