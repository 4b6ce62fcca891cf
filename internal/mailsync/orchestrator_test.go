package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// recordingSyncer reports success for every folder except those in fail, and tracks how
// many syncs overlap.
type recordingSyncer struct {
	fail  map[string]bool
	delay time.Duration

	mu      sync.Mutex
	calls   []string
	running int32
	peak    int32
}

func (r *recordingSyncer) SyncFolder(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult {
	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, account.ID+"/"+folder)
	r.mu.Unlock()

	progress := newReporter(account.ID, folder, onProgress)
	progress.emit(models.SyncConnecting, "connecting")
	time.Sleep(r.delay)

	if r.fail[account.ID+"/"+folder] {
		progress.emit(models.SyncError, "boom")
		return models.SyncResult{AccountID: account.ID, Folder: folder, Error: "boom"}
	}
	progress.completed("done", 1, 1)
	return models.SyncResult{AccountID: account.ID, Folder: folder, NewEmails: 1, TotalEmails: 1}
}

type mapAccounts map[string]*models.Account

func (m mapAccounts) GetAccount(_ context.Context, id string) (*models.Account, error) {
	account, ok := m[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func accountsN(n int) []*models.Account {
	accounts := make([]*models.Account, 0, n)
	for i := 1; i <= n; i++ {
		accounts = append(accounts, &models.Account{ID: fmt.Sprintf("acc-%d", i)})
	}
	return accounts
}

func TestOrchestratorSyncAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("runs folders in order and isolates failures", func(t *testing.T) {
		syncer := &recordingSyncer{fail: map[string]bool{"acc-1/Sent": true}}
		o := NewOrchestrator(syncer, nil, 0, quietLogger())

		results := o.SyncAccount(ctx, accountsN(1)[0], []string{"INBOX", "Sent", "Archive"}, nil)

		require.Len(t, results, 3)
		assert.True(t, results[0].OK())
		assert.False(t, results[1].OK())
		assert.True(t, results[2].OK())
		assert.Equal(t, []string{"acc-1/INBOX", "acc-1/Sent", "acc-1/Archive"}, syncer.calls)
	})

	t.Run("uses the freshly loaded account", func(t *testing.T) {
		fresh := &models.Account{ID: "acc-1", Email: "fresh@example.com"}
		var seen *models.Account
		capture := FolderSyncerFunc(func(ctx context.Context, account *models.Account, folder string, onProgress ProgressFunc) models.SyncResult {
			seen = account
			return models.SyncResult{AccountID: account.ID, Folder: folder}
		})
		o := NewOrchestrator(capture, mapAccounts{"acc-1": fresh}, 0, quietLogger())

		o.SyncAccount(ctx, &models.Account{ID: "acc-1", Email: "stale@example.com"}, []string{"INBOX"}, nil)
		require.NotNil(t, seen)
		assert.Equal(t, "fresh@example.com", seen.Email)
	})

	t.Run("deleted account yields one error per folder", func(t *testing.T) {
		syncer := &recordingSyncer{}
		o := NewOrchestrator(syncer, mapAccounts{}, 0, quietLogger())

		var progress progressLog
		results := o.SyncAccount(ctx, &models.Account{ID: "gone"}, []string{"INBOX", "Sent"}, progress.record)

		require.Len(t, results, 2)
		for _, r := range results {
			assert.Contains(t, r.Error, store.ErrAccountNotFound.Error())
		}
		assert.Empty(t, syncer.calls)
		assert.Equal(t, []models.SyncStatus{
			models.SyncConnecting, models.SyncError,
			models.SyncConnecting, models.SyncError,
		}, progress.statuses())
		assert.Equal(t, "INBOX", progress.events[0].Folder)
		assert.Equal(t, "Sent", progress.events[2].Folder)
	})

	t.Run("cancelled context skips remaining folders", func(t *testing.T) {
		syncer := &recordingSyncer{}
		o := NewOrchestrator(syncer, nil, 0, quietLogger())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		var progress progressLog
		results := o.SyncAccount(cancelled, accountsN(1)[0], []string{"INBOX", "Sent"}, progress.record)

		require.Len(t, results, 2)
		for _, r := range results {
			assert.Contains(t, r.Error, "cancelled")
		}
		assert.Empty(t, syncer.calls)
		assert.Equal(t, []models.SyncStatus{
			models.SyncConnecting, models.SyncError,
			models.SyncConnecting, models.SyncError,
		}, progress.statuses())
	})
}

func TestOrchestratorSyncAllAccounts(t *testing.T) {
	ctx := context.Background()

	t.Run("bounds concurrency and keeps result order", func(t *testing.T) {
		syncer := &recordingSyncer{delay: 10 * time.Millisecond}
		o := NewOrchestrator(syncer, nil, 3, quietLogger())

		results := o.SyncAllAccounts(ctx, accountsN(7), []string{"INBOX", "Sent"}, nil)

		require.Len(t, results, 14)
		for i, r := range results {
			assert.Equal(t, fmt.Sprintf("acc-%d", i/2+1), r.AccountID)
		}
		assert.Equal(t, "INBOX", results[0].Folder)
		assert.Equal(t, "Sent", results[1].Folder)
		assert.LessOrEqual(t, atomic.LoadInt32(&syncer.peak), int32(3))
	})

	t.Run("one failing account does not stop the others", func(t *testing.T) {
		syncer := &recordingSyncer{fail: map[string]bool{"acc-2/INBOX": true}}
		o := NewOrchestrator(syncer, nil, 2, quietLogger())

		results := o.QuickSync(ctx, accountsN(4), nil)

		require.Len(t, results, 4)
		failed := 0
		for _, r := range results {
			assert.Equal(t, InboxFolder, r.Folder)
			if !r.OK() {
				failed++
			}
		}
		assert.Equal(t, 1, failed)
	})

	t.Run("progress callback is never called concurrently", func(t *testing.T) {
		syncer := &recordingSyncer{delay: time.Millisecond}
		o := NewOrchestrator(syncer, nil, 3, quietLogger())

		var inside int32
		var overlapped atomic.Bool
		var events int32
		o.SyncAllAccounts(ctx, accountsN(6), []string{"INBOX"}, func(models.SyncProgress) {
			if atomic.AddInt32(&inside, 1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&events, 1)
			atomic.AddInt32(&inside, -1)
		})

		assert.False(t, overlapped.Load())
		assert.Equal(t, int32(12), atomic.LoadInt32(&events))
	})

	t.Run("no accounts gives no results", func(t *testing.T) {
		o := NewOrchestrator(&recordingSyncer{}, nil, 3, quietLogger())
		assert.Empty(t, o.SyncAllAccounts(ctx, nil, []string{"INBOX"}, nil))
	})
}

func TestOrchestratorWithEngine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	good := newTestAccount(t, s)
	bad := newTestAccount(t, s)

	server := newFakeServer()
	server.addRange("INBOX", 1, 3)
	engine := NewEngine(&routingConnector{server: server, failFor: bad.ID}, s, quietLogger(), Options{})
	o := NewOrchestrator(engine, s, 3, quietLogger())

	var progress progressLog
	results := o.QuickSync(ctx, []*models.Account{good, bad}, progress.record)

	require.Len(t, results, 2)
	assert.True(t, results[0].OK(), results[0].Error)
	assert.Equal(t, 3, results[0].NewEmails)
	assert.False(t, results[1].OK())

	byAccount := map[string][]models.SyncStatus{}
	for _, e := range progress.events {
		byAccount[e.AccountID] = append(byAccount[e.AccountID], e.Status)
	}
	assert.Equal(t, models.SyncCompleted, byAccount[good.ID][len(byAccount[good.ID])-1])
	assert.Equal(t, []models.SyncStatus{models.SyncConnecting, models.SyncError}, byAccount[bad.ID])
}

// routingConnector fails connections for one account and serves the rest from server.
type routingConnector struct {
	server  *fakeServer
	failFor string
}

func (c *routingConnector) Connect(ctx context.Context, account *models.Account) (imap.Connection, error) {
	if account.ID == c.failFor {
		return nil, errors.New("connection refused")
	}
	return c.server.Connect(ctx, account)
}
