package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/store"
)

// FoldersHandler lists the selectable folders of an account on its IMAP server.
type FoldersHandler struct {
	accounts  store.AccountRegistry
	connector imap.Connector
	logger    *logrus.Logger
}

// NewFoldersHandler creates a new FoldersHandler instance.
func NewFoldersHandler(accounts store.AccountRegistry, connector imap.Connector, logger *logrus.Logger) *FoldersHandler {
	return &FoldersHandler{
		accounts:  accounts,
		connector: connector,
		logger:    logger,
	}
}

// GetFolders returns the account's folders, INBOX first and the rest alphabetically.
func (h *FoldersHandler) GetFolders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := GetOwnerFromContext(ctx, w, h.logger)
	if !ok {
		return
	}

	account, ok := loadOwnedAccount(ctx, w, h.accounts, h.logger, owner, r.PathValue("id"))
	if !ok {
		return
	}

	logger := h.logger.WithField("account_id", account.ID)

	conn, err := h.connector.Connect(ctx, account)
	if err != nil {
		logger.Warnf("FoldersHandler: failed to connect: %v", err)
		writeConnectError(w, err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debugf("FoldersHandler: failed to close connection: %v", err)
		}
	}()

	folders, err := conn.ListFolders(ctx)
	if err != nil {
		logger.Warnf("FoldersHandler: failed to list folders: %v", err)
		http.Error(w, "Failed to list folders", http.StatusBadGateway)
		return
	}

	sortFolders(folders)
	WriteJSONResponse(w, h.logger, http.StatusOK, folders)
}

// writeConnectError maps connection failures to a response the user can act on.
func writeConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnsupportedAuth):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case strings.Contains(err.Error(), "i/o timeout"):
		http.Error(w, "Connection to IMAP server timed out. Please double-check the account's server hostname and try again.", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Failed to connect to IMAP server", http.StatusBadGateway)
	}
}

// sortFolders puts INBOX first, then sorts the other folders by name.
func sortFolders(folders []models.Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		iInbox := strings.EqualFold(folders[i].Name, "INBOX")
		jInbox := strings.EqualFold(folders[j].Name, "INBOX")
		if iInbox != jInbox {
			return iInbox
		}
		return folders[i].Name < folders[j].Name
	})
}
