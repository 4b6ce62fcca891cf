// Package mailsync keeps local folders in step with the remote mailboxes: the per-folder
// sync engine, the orchestrator that runs it across folders and accounts, and the
// periodic background trigger.
package mailsync

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// ParseErrorPolicy decides what one unparseable message does to its folder sync.
type ParseErrorPolicy int

const (
	// SkipAndLog logs the UID, counts it in SyncResult.Skipped, and carries on.
	// The UID is still treated as seen so the next sync does not fetch it again.
	SkipAndLog ParseErrorPolicy = iota
	// AbortFolder fails the folder sync. Nothing from the batch is stored.
	AbortFolder
)

// DefaultFirstSyncWindow is how many of the newest messages a first sync fetches.
const DefaultFirstSyncWindow = 50

type Options struct {
	FirstSyncWindow  uint32
	ParseErrorPolicy ParseErrorPolicy
	// Now stamps Message.SyncedAt. Defaults to time.Now.
	Now func() time.Time
}

// Engine syncs one folder of one account at a time. It is safe for concurrent use;
// concurrent calls share nothing except the store.
type Engine struct {
	connector imap.Connector
	store     store.Store
	logger    *logrus.Logger
	opts      Options
}

func NewEngine(connector imap.Connector, st store.Store, logger *logrus.Logger, opts Options) *Engine {
	if opts.FirstSyncWindow == 0 {
		opts.FirstSyncWindow = DefaultFirstSyncWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{connector: connector, store: st, logger: logger, opts: opts}
}

type folderStats struct {
	newEmails   int
	totalEmails int
	skipped     int
}

// SyncFolder fetches what is new in the folder and merges it into the store.
// Every failure, including a panic, comes back as SyncResult.Error; it never returns
// half-filled counts. The connection is closed on every path once it was opened.
func (e *Engine) SyncFolder(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) (result models.SyncResult) {
	result = models.SyncResult{AccountID: account.ID, Folder: folder}
	progress := newReporter(account.ID, folder, onProgress)
	logger := e.logger.WithFields(logrus.Fields{"account_id": account.ID, "folder": folder})

	defer func() {
		if r := recover(); r != nil {
			result = e.fail(ctx, account, folder, progress, logger, fmt.Errorf("sync panicked: %v", r))
		}
	}()

	progress.emit(models.SyncConnecting, connectingMessage)

	conn, err := e.connector.Connect(ctx, account)
	if err != nil {
		return e.fail(ctx, account, folder, progress, logger, fmt.Errorf("failed to connect: %w", err))
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close IMAP connection")
		}
	}()

	stats, err := e.syncMailbox(ctx, conn, account.ID, folder, progress, logger)
	if err != nil {
		return e.fail(ctx, account, folder, progress, logger, err)
	}

	if err := e.store.SetConnectionStatus(ctx, account.ID, models.ConnectionConnected, ""); err != nil {
		logger.WithError(err).Warn("Failed to record connection status")
	}

	result.NewEmails = stats.newEmails
	result.TotalEmails = stats.totalEmails
	result.Skipped = stats.skipped

	logger.WithFields(logrus.Fields{
		"new":     stats.newEmails,
		"total":   stats.totalEmails,
		"skipped": stats.skipped,
	}).Info("Folder synced")
	progress.completed(fmt.Sprintf("Synced %d new messages", stats.newEmails), stats.newEmails, stats.totalEmails)

	return result
}

func (e *Engine) syncMailbox(ctx context.Context, conn imap.Connection, accountID, folder string, progress *reporter, logger *logrus.Entry) (folderStats, error) {
	status, err := conn.Status(ctx, folder)
	if err != nil {
		return folderStats{}, err
	}
	if status.Exists == 0 {
		logger.Debug("Mailbox is empty, nothing to fetch")
		return folderStats{}, nil
	}

	changed, err := e.store.HasGenerationChanged(ctx, accountID, folder, status.UIDValidity)
	if err != nil {
		return folderStats{}, fmt.Errorf("failed to check UIDVALIDITY: %w", err)
	}
	if changed {
		// Stored UIDs name mail of the old generation. Messages go before the state: a failure
		// in between keeps the old state and the next sync repeats the reset.
		discarded, err := e.store.DeleteFolderMessages(ctx, accountID, folder)
		if err != nil {
			return folderStats{}, fmt.Errorf("failed to discard messages of the old generation: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"uid_validity": status.UIDValidity,
			"discarded":    discarded,
		}).Info("UIDVALIDITY changed, discarding stored messages and sync state")
		if err := e.store.ResetSyncState(ctx, accountID, folder); err != nil {
			return folderStats{}, fmt.Errorf("failed to reset sync state: %w", err)
		}
	}

	state, err := e.store.GetSyncState(ctx, accountID, folder)
	if err != nil {
		return folderStats{}, fmt.Errorf("failed to get sync state: %w", err)
	}
	var lastSeen uint32
	if state != nil {
		lastSeen = state.LastSeenUID
	}

	uidRange, ok := selectRange(lastSeen, status.UIDNext, e.opts.FirstSyncWindow)
	stats := folderStats{}
	var batch []*models.Message
	maxUID := lastSeen

	if ok {
		progress.emit(models.SyncSyncing, fmt.Sprintf("Fetching messages %s", uidRange))
		if err := conn.Open(ctx, folder); err != nil {
			return folderStats{}, err
		}

		now := e.opts.Now().UTC()
		err = conn.FetchRange(ctx, uidRange, func(raw *imap.RawMessage) error {
			// Servers answer "n:*" with the last message even when its UID is below n.
			if !uidRange.Contains(raw.UID) {
				return nil
			}
			if raw.UID > maxUID {
				maxUID = raw.UID
			}

			msg, err := imap.ParseMessage(raw, accountID, folder)
			if err != nil {
				if e.opts.ParseErrorPolicy == AbortFolder {
					return err
				}
				logger.WithError(err).WithField("uid", raw.UID).Warn("Skipping message that failed to parse")
				stats.skipped++
				return nil
			}
			msg.SyncedAt = now
			batch = append(batch, msg)
			return nil
		})
		if err != nil {
			return folderStats{}, err
		}
	}

	if len(batch) > 0 {
		progress.emit(models.SyncSyncing, fmt.Sprintf("Saving %d messages", len(batch)))
		stats.newEmails, err = e.store.AppendMessages(ctx, accountID, folder, batch)
		if err != nil {
			return folderStats{}, fmt.Errorf("failed to save messages: %w", err)
		}
	}

	if err := e.store.PutSyncState(ctx, accountID, folder, status.UIDValidity, maxUID); err != nil {
		return folderStats{}, fmt.Errorf("failed to save sync state: %w", err)
	}

	stats.totalEmails, err = e.store.CountMessages(ctx, accountID, folder)
	if err != nil {
		return folderStats{}, fmt.Errorf("failed to count messages: %w", err)
	}

	return stats, nil
}

// selectRange picks the UIDs to fetch. Without a last seen UID it takes the newest
// window, [max(1, uidNext-window), *]. Otherwise it takes everything after lastSeen.
// ok is false when no UID can follow lastSeen.
func selectRange(lastSeen, uidNext, window uint32) (r imap.UIDRange, ok bool) {
	if lastSeen > 0 {
		if lastSeen == math.MaxUint32 {
			return imap.UIDRange{}, false
		}
		return imap.UIDRange{From: lastSeen + 1}, true
	}

	from := uint32(1)
	if uidNext > window {
		from = uidNext - window
	}
	return imap.UIDRange{From: from}, true
}

// fail records the error on the account and reports it. The status write ignores
// cancellation of ctx.
func (e *Engine) fail(ctx context.Context, account *models.Account, folder string, progress *reporter, logger *logrus.Entry, err error) models.SyncResult {
	logger.WithError(err).Error("Folder sync failed")

	detail := err.Error()
	if statusErr := e.store.SetConnectionStatus(context.WithoutCancel(ctx), account.ID, models.ConnectionFailed, detail); statusErr != nil {
		logger.WithError(statusErr).Warn("Failed to record connection status")
	}
	progress.emit(models.SyncError, detail)

	return models.SyncResult{AccountID: account.ID, Folder: folder, Error: detail}
}
