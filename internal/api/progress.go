package api

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// ProgressPusher delivers progress events to the browsers of one owner.
type ProgressPusher interface {
	SendProgress(owner string, progress models.SyncProgress)
}

// ProgressRouter fans sync progress out to the owner's websocket clients and to every
// extra sink (for example the NATS publisher).
type ProgressRouter struct {
	pusher   ProgressPusher
	accounts store.AccountRegistry
	sinks    []mailsync.ProgressFunc
	logger   *logrus.Logger

	mu     sync.RWMutex
	owners map[string]string // account id -> owner email
}

// NewProgressRouter creates a router. Nil sinks are ignored.
func NewProgressRouter(pusher ProgressPusher, accounts store.AccountRegistry, logger *logrus.Logger, sinks ...mailsync.ProgressFunc) *ProgressRouter {
	return &ProgressRouter{
		pusher:   pusher,
		accounts: accounts,
		sinks:    sinks,
		logger:   logger,
		owners:   make(map[string]string),
	}
}

// ForOwner returns a ProgressFunc for syncs started on behalf of a known owner.
func (p *ProgressRouter) ForOwner(owner string) mailsync.ProgressFunc {
	return mailsync.Fanout(append([]mailsync.ProgressFunc{
		func(progress models.SyncProgress) { p.pusher.SendProgress(owner, progress) },
	}, p.sinks...)...)
}

// Route delivers an event whose owner is only known through its account.
// Used by the background syncer, which runs across all owners.
func (p *ProgressRouter) Route(progress models.SyncProgress) {
	if owner, ok := p.ownerOf(progress.AccountID); ok {
		p.pusher.SendProgress(owner, progress)
	}
	for _, sink := range p.sinks {
		if sink != nil {
			sink(progress)
		}
	}
}

// Remember caches account ownership so Route does not need a lookup.
func (p *ProgressRouter) Remember(accounts ...*models.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, account := range accounts {
		p.owners[account.ID] = account.OwnerEmail
	}
}

func (p *ProgressRouter) ownerOf(accountID string) (string, bool) {
	p.mu.RLock()
	owner, ok := p.owners[accountID]
	p.mu.RUnlock()
	if ok {
		return owner, true
	}

	account, err := p.accounts.GetAccount(context.Background(), accountID)
	if err != nil {
		p.logger.WithField("account_id", accountID).Debugf("ProgressRouter: cannot resolve owner: %v", err)
		return "", false
	}
	p.Remember(account)
	return account.OwnerEmail, true
}
