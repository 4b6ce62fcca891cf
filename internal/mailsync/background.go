package mailsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/time/rate"
)

var (
	// ErrSyncInProgress is returned when a background run is already going.
	ErrSyncInProgress = errors.New("background sync already running")
	// ErrSyncTooSoon is returned when the previous run started less than the minimum interval ago.
	ErrSyncTooSoon = errors.New("background sync ran too recently")
)

// AccountLister lists every registered account.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
}

// QuickSyncer runs an inbox-only sync over accounts.
type QuickSyncer interface {
	QuickSync(ctx context.Context, accounts []*models.Account, onProgress ProgressFunc) []models.SyncResult
}

type BackgroundConfig struct {
	// Interval between scheduled runs.
	Interval time.Duration
	// MinInterval is the least time between the starts of two runs, scheduled or triggered.
	MinInterval time.Duration
	// Now is the clock the rate limit is measured with. Defaults to time.Now.
	Now func() time.Time
}

// BackgroundSyncer quick-syncs every account on a timer. Runs never overlap, and no two
// runs start closer together than MinInterval.
type BackgroundSyncer struct {
	syncer     QuickSyncer
	accounts   AccountLister
	onProgress ProgressFunc
	interval   time.Duration
	limiter    *rate.Limiter
	now        func() time.Time
	logger     *logrus.Logger

	running sync.Mutex
	trigger chan struct{}
}

func NewBackgroundSyncer(syncer QuickSyncer, accounts AccountLister, onProgress ProgressFunc, config BackgroundConfig, logger *logrus.Logger) *BackgroundSyncer {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.MinInterval <= 0 {
		config.MinInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &BackgroundSyncer{
		syncer:     syncer,
		accounts:   accounts,
		onProgress: onProgress,
		interval:   config.Interval,
		limiter:    rate.NewLimiter(rate.Every(config.MinInterval), 1),
		now:        config.Now,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
	}
}

// RunOnce quick-syncs all accounts unless a run is in progress or the last one started
// too recently, in which case it returns ErrSyncInProgress or ErrSyncTooSoon.
func (b *BackgroundSyncer) RunOnce(ctx context.Context) ([]models.SyncResult, error) {
	if !b.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer b.running.Unlock()

	if !b.limiter.AllowN(b.now(), 1) {
		return nil, ErrSyncTooSoon
	}

	accounts, err := b.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	logger := b.logger.WithFields(logrus.Fields{"run_id": uuid.NewString(), "accounts": len(accounts)})
	logger.Info("Background sync started")

	results := b.syncer.QuickSync(ctx, accounts, b.onProgress)

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	logger.WithField("failed", failed).Info("Background sync finished")

	return results, nil
}

// TriggerNow asks Run to start a run without waiting for the next tick.
// It never blocks; a trigger that arrives while one is pending is dropped.
func (b *BackgroundSyncer) TriggerNow() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on every tick and trigger until ctx is done.
func (b *BackgroundSyncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.trigger:
		}

		_, err := b.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrSyncTooSoon):
			b.logger.WithError(err).Debug("Background sync skipped")
		case err != nil:
			b.logger.WithError(err).Error("Background sync failed")
		}
	}
}
