package mailsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/sync/errgroup"
)

// InboxFolder is the only folder a quick sync looks at.
const InboxFolder = "INBOX"

// DefaultConcurrency is how many accounts sync at the same time.
const DefaultConcurrency = 3

// FolderSyncer syncs a single folder. *Engine is the production implementation.
type FolderSyncer interface {
	SyncFolder(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult
}

// FolderSyncerFunc adapts a function to FolderSyncer.
type FolderSyncerFunc func(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult

func (f FolderSyncerFunc) SyncFolder(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult {
	return f(ctx, account, folder, onProgress)
}

// AccountGetter re-reads an account so a sync always sees fresh credentials.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Orchestrator runs folder syncs across folders and accounts.
// Folders of one account run in order; accounts run in chunks of at most concurrency.
type Orchestrator struct {
	syncer      FolderSyncer
	accounts    AccountGetter
	concurrency int
	logger      *logrus.Logger
}

// NewOrchestrator creates an orchestrator. accounts may be nil, in which case the
// account values passed in are used as they are.
func NewOrchestrator(syncer FolderSyncer, accounts AccountGetter, concurrency int, logger *logrus.Logger) *Orchestrator {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{syncer: syncer, accounts: accounts, concurrency: concurrency, logger: logger}
}

// SyncFolder syncs one folder of one account.
func (o *Orchestrator) SyncFolder(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult {
	return o.SyncAccount(ctx, account, []string{folder}, onProgress)[0]
}

// SyncAccount syncs the folders one after another and returns one result per folder,
// in the same order. A failed folder does not stop the rest.
func (o *Orchestrator) SyncAccount(ctx context.Context, account *models.Account, folders []string, onProgress ProgressFunc) []models.SyncResult {
	results := make([]models.SyncResult, 0, len(folders))

	fresh, err := o.refresh(ctx, account)
	if err != nil {
		o.logger.WithError(err).WithField("account_id", account.ID).Warn("Failed to reload account before sync")
		for _, folder := range folders {
			results = append(results, errorResult(account.ID, folder, err, onProgress))
		}
		return results
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			results = append(results, errorResult(account.ID, folder, fmt.Errorf("sync cancelled: %w", err), onProgress))
			continue
		}
		results = append(results, o.syncer.SyncFolder(ctx, fresh, folder, onProgress))
	}
	return results
}

// SyncAllAccounts syncs every account in chunks of at most the configured concurrency.
// Results are grouped by account in input order. onProgress is never called concurrently.
func (o *Orchestrator) SyncAllAccounts(ctx context.Context, accounts []*models.Account, folders []string, onProgress ProgressFunc) []models.SyncResult {
	onProgress = serialized(onProgress)
	perAccount := make([][]models.SyncResult, len(accounts))

	for start := 0; start < len(accounts); start += o.concurrency {
		end := min(start+o.concurrency, len(accounts))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				perAccount[i] = o.SyncAccount(ctx, accounts[i], folders, onProgress)
				return nil
			})
		}
		_ = g.Wait()
	}

	results := make([]models.SyncResult, 0, len(accounts)*len(folders))
	for _, r := range perAccount {
		results = append(results, r...)
	}
	return results
}

// QuickSync syncs only the inbox of every account.
func (o *Orchestrator) QuickSync(ctx context.Context, accounts []*models.Account, onProgress ProgressFunc) []models.SyncResult {
	return o.SyncAllAccounts(ctx, accounts, []string{InboxFolder}, onProgress)
}

func (o *Orchestrator) refresh(ctx context.Context, account *models.Account) (*models.Account, error) {
	if o.accounts == nil {
		return account, nil
	}
	fresh, err := o.accounts.GetAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return fresh, nil
}

// errorResult fails a folder that never reached the engine. The connecting event still goes
// out first, so every folder's progress stream has the same shape.
func errorResult(accountID, folder string, err error, onProgress ProgressFunc) models.SyncResult {
	progress := newReporter(accountID, folder, onProgress)
	progress.emit(models.SyncConnecting, connectingMessage)
	progress.emit(models.SyncError, err.Error())
	return models.SyncResult{AccountID: accountID, Folder: folder, Error: err.Error()}
}
