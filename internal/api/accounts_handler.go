package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/store"
)

// SecretSealer encrypts an account secret bound to the account id.
type SecretSealer interface {
	Seal(accountID, secret string) ([]byte, error)
}

// AccountsHandler handles account registration and management.
type AccountsHandler struct {
	accounts store.AccountRegistry
	sealer   SecretSealer
	logger   *logrus.Logger
}

// NewAccountsHandler creates a new AccountsHandler instance.
func NewAccountsHandler(accounts store.AccountRegistry, sealer SecretSealer, logger *logrus.Logger) *AccountsHandler {
	return &AccountsHandler{
		accounts: accounts,
		sealer:   sealer,
		logger:   logger,
	}
}

// ListAccounts returns the current owner's accounts.
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsByOwner(ctx, owner)
	if err != nil {
		h.logger.Errorf("AccountsHandler: failed to list accounts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, accounts)
}

// GetAccount returns one account of the current owner.
func (h *AccountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.accounts, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, account)
}

// CreateAccount registers a new account. The secret is required and stored sealed.
func (h *AccountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	var req models.AccountRequest
	if !decodeJSONBody(w, r, h.logger, &req, false) {
		return
	}

	normalizeAccountRequest(&req)
	if err := validateAccountRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Secret == "" {
		http.Error(w, "secret is required", http.StatusBadRequest)
		return
	}

	account := &models.Account{
		ID:               uuid.NewString(),
		OwnerEmail:       owner,
		ConnectionStatus: models.ConnectionUnknown,
	}
	applyAccountRequest(account, &req)

	if !h.sealSecret(w, account, req.Secret) {
		return
	}

	if err := h.accounts.SaveAccount(ctx, account); err != nil {
		h.logger.Errorf("AccountsHandler: failed to save account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.WithField("account_id", account.ID).Info("AccountsHandler: account registered")
	WriteJSONResponse(w, h.logger, http.StatusCreated, account)
}

// UpdateAccount changes an account's connection settings.
// An empty secret keeps the stored one so clients can edit other fields without re-entering it.
func (h *AccountsHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.accounts, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.AccountRequest
	if !decodeJSONBody(w, r, h.logger, &req, false) {
		return
	}

	normalizeAccountRequest(&req)
	if err := validateAccountRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	applyAccountRequest(account, &req)
	account.ConnectionStatus = models.ConnectionUnknown
	account.LastError = ""

	if req.Secret != "" && !h.sealSecret(w, account, req.Secret) {
		return
	}

	if err := h.accounts.SaveAccount(ctx, account); err != nil {
		h.logger.WithField("account_id", account.ID).Errorf("AccountsHandler: failed to save account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, h.logger, http.StatusOK, account)
}

// DeleteAccount removes the account together with its messages and sync states.
func (h *AccountsHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.accounts, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	if err := h.accounts.DeleteAccount(ctx, account.ID); err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		h.logger.WithField("account_id", account.ID).Errorf("AccountsHandler: failed to delete account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountsHandler) sealSecret(w http.ResponseWriter, account *models.Account, secret string) bool {
	sealed, err := h.sealer.Seal(account.ID, secret)
	if err != nil {
		h.logger.WithField("account_id", account.ID).Errorf("AccountsHandler: failed to seal secret: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	account.EncryptedSecret = sealed
	return true
}

func normalizeAccountRequest(req *models.AccountRequest) {
	req.Email = strings.TrimSpace(req.Email)
	req.IMAPHost = strings.TrimSpace(req.IMAPHost)
	req.SMTPHost = strings.TrimSpace(req.SMTPHost)
	if req.Provider == "" {
		req.Provider = models.ProviderIMAP
	}
	if req.AuthMode == "" {
		req.AuthMode = models.AuthModePassword
	}
	if req.IMAPUsername == "" {
		req.IMAPUsername = req.Email
	}
	if req.SMTPUsername == "" {
		req.SMTPUsername = req.IMAPUsername
	}
}

// validateAccountRequest checks the fields every account needs. The secret is checked by
// the caller because updates may omit it.
func validateAccountRequest(req *models.AccountRequest) error {
	if req.Email == "" {
		return errors.New("email is required")
	}

	profile, err := provider.ProfileFor(req.Provider)
	if err != nil {
		return err
	}
	if !profile.SupportsAuth(req.AuthMode) {
		return provider.ErrUnsupportedAuth
	}
	if req.Provider == models.ProviderIMAP && req.IMAPHost == "" {
		return errors.New("IMAP host is required")
	}
	return nil
}

func applyAccountRequest(account *models.Account, req *models.AccountRequest) {
	account.Email = req.Email
	account.Provider = req.Provider
	account.AuthMode = req.AuthMode
	account.IMAPHost = req.IMAPHost
	account.IMAPUsername = req.IMAPUsername
	account.SMTPHost = req.SMTPHost
	account.SMTPUsername = req.SMTPUsername
}
