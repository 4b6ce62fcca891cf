package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// GetOwnerFromContext extracts the authenticated owner's email from context and writes
// 401 when it is missing. Returns (owner, true) on success.
func GetOwnerFromContext(ctx context.Context, w http.ResponseWriter, logger *logrus.Logger) (string, bool) {
	owner, ok := auth.GetUserEmailFromContext(ctx)
	if !ok || owner == "" {
		logger.Debug("API: no user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

// loadOwnedAccount fetches the account and checks it belongs to owner.
// Accounts of other owners are reported as not found.
func loadOwnedAccount(ctx context.Context, w http.ResponseWriter, accounts store.AccountRegistry, logger *logrus.Logger, owner, accountID string) (*models.Account, bool) {
	account, err := accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) || (err == nil && account.OwnerEmail != owner) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.WithField("account_id", accountID).Errorf("API: failed to get account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return account, true
}

// decodeJSONBody decodes the request body into v, writing 400 on failure.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, v any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		logger.Debugf("API: failed to decode request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return page, limit
}

// WriteJSONResponse encodes data to a buffer first so an encoding failure never leaves a
// partial body, then writes it with the given status. Returns false if anything failed.
func WriteJSONResponse(w http.ResponseWriter, logger *logrus.Logger, status int, data any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Errorf("API: failed to encode response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warnf("API: failed to write response: %v", err)
		return false
	}
	return true
}
