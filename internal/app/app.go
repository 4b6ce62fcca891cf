// Package app wires configuration, storage, the sync engine and the HTTP API into one server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/sqlite"
	"github.com/vdavid/mailsync/internal/store"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Options are switches the production server never sets.
type Options struct {
	// Plaintext dials IMAP and SMTP without TLS. Only the sandbox's in-memory servers need it.
	Plaintext bool
}

// App is a fully wired server.
type App struct {
	Handler      http.Handler
	Store        store.Store
	Orchestrator *mailsync.Orchestrator
	Background   *mailsync.BackgroundSyncer

	cfg       *config.Config
	publisher *events.Publisher
	logger    *logrus.Logger
}

// OpenStore opens the storage backend the config selects.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("Using SQLite storage")
		return st, nil
	default:
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("Successfully connected to database")
		return db.NewStore(pool), nil
	}
}

// New wires every component on top of st. The NATS publisher is only created when
// VMAIL_NATS_URL is set.
func New(cfg *config.Config, st store.Store, logger *logrus.Logger, opts Options) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	tokens := oauth.NewManager(oauth.Config{
		Google:    oauth.ClientCredentials{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret},
		Microsoft: oauth.ClientCredentials{ClientID: cfg.MicrosoftClientID, ClientSecret: cfg.MicrosoftClientSecret},
	}, logger)
	resolver := provider.NewResolver(encryptor, tokens)

	dialer := imap.NewDialer(imap.DialerConfig{
		ConnectTimeout: cfg.IMAPConnectTimeout,
		SocketTimeout:  cfg.IMAPSocketTimeout,
		Plaintext:      opts.Plaintext,
	}, imap.NewConnectionLimiter(cfg.IMAPMaxConnections), resolver, logger)

	engine := mailsync.NewEngine(dialer, st, logger, mailsync.Options{
		FirstSyncWindow: uint32(cfg.SyncFirstWindow),
	})
	orchestrator := mailsync.NewOrchestrator(engine, st, cfg.SyncConcurrency, logger)

	var sinks []mailsync.ProgressFunc
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sinks = append(sinks, publisher.Sink())
	}

	hub := ws.NewHub(10, logger)
	progress := api.NewProgressRouter(hub, st, logger, sinks...)

	background := mailsync.NewBackgroundSyncer(orchestrator, st, progress.Route, mailsync.BackgroundConfig{
		Interval:    cfg.BackgroundSyncInterval,
		MinInterval: cfg.BackgroundSyncMinInterval,
	}, logger)

	sender := smtp.NewSender(resolver, smtp.Config{
		Timeout:   cfg.IMAPSocketTimeout,
		Plaintext: opts.Plaintext,
	}, logger)

	handler := NewRouter(Handlers{
		Auth:      api.NewAuthHandler(st, logger),
		Accounts:  api.NewAccountsHandler(st, encryptor, logger),
		Folders:   api.NewFoldersHandler(st, dialer, logger),
		Sync:      api.NewSyncHandler(st, orchestrator, background, progress, logger),
		Messages:  api.NewMessagesHandler(st, logger),
		Send:      api.NewSendHandler(st, sender, logger),
		WebSocket: api.NewWebSocketHandler(st, orchestrator, hub, progress, logger),
	}, logger)

	return &App{
		Handler:      handler,
		Store:        st,
		Orchestrator: orchestrator,
		Background:   background,
		cfg:          cfg,
		publisher:    publisher,
		logger:       logger,
	}, nil
}

// Run serves HTTP on the configured port and runs the background syncer until ctx is
// cancelled, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.WithFields(logrus.Fields{
			"address":     server.Addr,
			"environment": a.cfg.Environment,
		}).Info("Mail sync server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := a.Background.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the store and the NATS connection.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Warnf("Failed to close store: %v", err)
	}
}
