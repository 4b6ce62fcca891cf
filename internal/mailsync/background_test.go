package mailsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticAccounts struct {
	accounts []*models.Account
	err      error
}

func (s staticAccounts) ListAccounts(context.Context) ([]*models.Account, error) {
	return s.accounts, s.err
}

// countingQuickSyncer counts runs and can hold a run open until release is closed.
type countingQuickSyncer struct {
	runs    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *countingQuickSyncer) QuickSync(_ context.Context, accounts []*models.Account, onProgress ProgressFunc) []models.SyncResult {
	c.runs.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	results := make([]models.SyncResult, 0, len(accounts))
	for _, a := range accounts {
		results = append(results, models.SyncResult{AccountID: a.ID, Folder: InboxFolder})
	}
	return results
}

func TestBackgroundSyncerRunOnce(t *testing.T) {
	ctx := context.Background()
	minInterval := time.Minute

	newSyncer := func(q QuickSyncer, accounts AccountLister, clock *fakeClock) *BackgroundSyncer {
		return NewBackgroundSyncer(q, accounts, nil, BackgroundConfig{
			Interval:    5 * time.Minute,
			MinInterval: minInterval,
			Now:         clock.Now,
		}, quietLogger())
	}

	t.Run("enforces the minimum interval with the injected clock", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		q := &countingQuickSyncer{}
		b := newSyncer(q, staticAccounts{accounts: accountsN(2)}, clock)

		results, err := b.RunOnce(ctx)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		clock.Advance(minInterval / 2)
		_, err = b.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrSyncTooSoon)

		clock.Advance(minInterval/2 + time.Millisecond)
		_, err = b.RunOnce(ctx)
		require.NoError(t, err)

		assert.Equal(t, int32(2), q.runs.Load())
	})

	t.Run("never overlaps runs", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		q := &countingQuickSyncer{started: make(chan struct{}, 1), release: make(chan struct{})}
		b := newSyncer(q, staticAccounts{accounts: accountsN(1)}, clock)

		done := make(chan error, 1)
		go func() {
			_, err := b.RunOnce(ctx)
			done <- err
		}()
		<-q.started

		clock.Advance(time.Hour)
		_, err := b.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrSyncInProgress)

		close(q.release)
		require.NoError(t, <-done)
		assert.Equal(t, int32(1), q.runs.Load())
	})

	t.Run("propagates account listing errors", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		b := newSyncer(&countingQuickSyncer{}, staticAccounts{err: errors.New("db down")}, clock)

		_, err := b.RunOnce(ctx)
		assert.EqualError(t, err, "db down")
	})
}

func TestBackgroundSyncerRun(t *testing.T) {
	q := &countingQuickSyncer{started: make(chan struct{}, 4)}
	b := NewBackgroundSyncer(q, staticAccounts{accounts: accountsN(1)}, nil, BackgroundConfig{
		Interval:    time.Hour,
		MinInterval: time.Millisecond,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.TriggerNow()
	select {
	case <-q.started:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not start a run")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
