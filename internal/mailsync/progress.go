package mailsync

import (
	"sync"

	"github.com/vdavid/mailsync/internal/models"
)

// ProgressFunc receives progress events. Per folder sync the order is connecting,
// zero or more syncing, then exactly one of completed or error.
type ProgressFunc func(models.SyncProgress)

const connectingMessage = "Connecting to mail server"

type reporter struct {
	accountID string
	folder    string
	fn        ProgressFunc
}

func newReporter(accountID, folder string, fn ProgressFunc) *reporter {
	return &reporter{accountID: accountID, folder: folder, fn: fn}
}

func (r *reporter) emit(status models.SyncStatus, message string) {
	r.send(models.SyncProgress{Status: status, Message: message})
}

func (r *reporter) completed(message string, newEmails, totalEmails int) {
	r.send(models.SyncProgress{
		Status:      models.SyncCompleted,
		Message:     message,
		NewEmails:   &newEmails,
		TotalEmails: &totalEmails,
	})
}

func (r *reporter) send(p models.SyncProgress) {
	if r.fn == nil {
		return
	}
	p.AccountID = r.accountID
	p.Folder = r.folder
	r.fn(p)
}

// serialized wraps fn so concurrent account syncs never call it at the same time.
func serialized(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return nil
	}
	var mu sync.Mutex
	return func(p models.SyncProgress) {
		mu.Lock()
		defer mu.Unlock()
		fn(p)
	}
}

// Fanout delivers every event to each non-nil consumer in order.
func Fanout(consumers ...ProgressFunc) ProgressFunc {
	return func(p models.SyncProgress) {
		for _, fn := range consumers {
			if fn != nil {
				fn(p)
			}
		}
	}
}
