// Command test-server runs the API against in-memory IMAP and SMTP servers with a seeded
// account, for end-to-end tests of clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/app"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sqlite"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

const testEncryptionKey = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="

func main() {
	usePostgres := flag.Bool("postgres", false, "store data in a throwaway Postgres container instead of SQLite")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *usePostgres, logger); err != nil {
		logger.Fatalf("Test server failed: %v", err)
	}
	logger.Info("Test server stopped")
}

func run(ctx context.Context, usePostgres bool, logger *logrus.Logger) error {
	tempDir, err := os.MkdirTemp("", "mailsync-test-server-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	if err := setupTestEnvironment(tempDir); err != nil {
		return fmt.Errorf("failed to setup test environment: %w", err)
	}

	imapServer, smtpServer, err := startMailServers(logger)
	if err != nil {
		return err
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := seedTestData(imapServer, logger); err != nil {
		return fmt.Errorf("failed to seed test data: %w", err)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, cleanup, err := openStore(ctx, cfg, usePostgres, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	account, err := seedAccount(ctx, cfg, st, imapServer, smtpServer)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to seed account: %w", err)
	}

	server, err := app.New(cfg, st, logger, app.Options{Plaintext: true})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer server.Close()

	results := server.Orchestrator.QuickSync(ctx, []*models.Account{account}, nil)
	for _, result := range results {
		if !result.OK() {
			logger.Warnf("Initial sync of %s failed: %s", result.Folder, result.Error)
			continue
		}
		logger.Infof("Initial sync of %s stored %d new messages", result.Folder, result.NewEmails)
	}

	logger.Infof("Test IMAP server: %s (username: %s, password: %s)", imapServer.Address, imapServer.Username(), imapServer.Password())
	logger.Infof("Test SMTP server: %s (username: %s, password: %s)", smtpServer.Address, smtpServer.Username(), smtpServer.Password())
	logger.Infof("Use the bearer token \"email:%s\" to act as the seeded owner", auth.DefaultUserEmail)
	logger.Info("Server ready for E2E tests. Press Ctrl+C to stop.")

	return server.Run(ctx)
}

// setupTestEnvironment sets the variables config.NewConfig needs for a local sandbox.
func setupTestEnvironment(tempDir string) error {
	vars := map[string]string{
		"VMAIL_ENV":                      "test",
		"VMAIL_TEST_MODE":                "true",
		"VMAIL_ENCRYPTION_KEY_BASE64":    testEncryptionKey,
		"VMAIL_STORAGE":                  config.StorageSQLite,
		"VMAIL_SQLITE_PATH":              filepath.Join(tempDir, "mailsync.db"),
		"VMAIL_BACKGROUND_SYNC_INTERVAL": "1m",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startMailServers starts the IMAP and SMTP servers. SMTP accepts the IMAP login because
// an account carries a single secret for both.
func startMailServers(logger *logrus.Logger) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.StartTestIMAPServer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	logger.Infof("Test IMAP server started on %s", imapServer.Address)

	smtpServer, err := testutil.StartTestSMTPServer()
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	smtpServer.SetLogin(imapServer.Username(), imapServer.Password())
	logger.Infof("Test SMTP server started on %s", smtpServer.Address)

	return imapServer, smtpServer, nil
}

// openStore returns the sandbox store and a cleanup that tears down whatever it started.
func openStore(ctx context.Context, cfg *config.Config, usePostgres bool, logger *logrus.Logger) (store.Store, func(), error) {
	if !usePostgres {
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("Using SQLite storage")
		return st, func() {}, nil
	}

	logger.Info("Starting test Postgres database...")
	pg, err := testutil.StartTestPostgres(ctx)
	if err != nil {
		return nil, nil, err
	}
	terminate := func() {
		if err := pg.Terminate(context.Background()); err != nil {
			logger.Warnf("Failed to terminate Postgres container: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, pg.ConnStr)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	cfg.Storage = config.StoragePostgres
	logger.Info("Test Postgres database started")

	return db.NewStore(pool), terminate, nil
}

// seedTestData creates the special folders and the INBOX fixtures the E2E suite expects.
func seedTestData(imapServer *testutil.TestIMAPServer, logger *logrus.Logger) error {
	for _, folder := range []string{"Sent", "Drafts", "Trash", "Spam", "Archive"} {
		if err := imapServer.CreateMailbox(folder); err != nil {
			logger.Warnf("Failed to create folder %s: %v", folder, err)
		}
	}

	now := time.Now()
	messages := []struct {
		messageID string
		subject   string
		from      string
		body      string
		sentAt    time.Time
	}{
		{"<msg1@test>", "Welcome to mail sync", "sender@example.com", "This is a test message.", now.Add(-2 * time.Hour)},
		{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", "Don't forget about the meeting tomorrow at 2 PM.", now.Add(-1 * time.Hour)},
		{"<msg3@test>", "Special Report Q3", "reports@example.com", "Here is the Q3 report you requested.", now},
	}

	for _, msg := range messages {
		raw := testutil.BuildMessage(msg.messageID, msg.subject, msg.from, auth.DefaultUserEmail, msg.sentAt, msg.body)
		if _, err := imapServer.AppendMessage("INBOX", raw); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}

	return nil
}

// seedAccount registers the sandbox mailbox for the default test owner.
func seedAccount(ctx context.Context, cfg *config.Config, st store.Store, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) (*models.Account, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	account := &models.Account{
		ID:               uuid.NewString(),
		OwnerEmail:       auth.DefaultUserEmail,
		Email:            auth.DefaultUserEmail,
		Provider:         models.ProviderIMAP,
		AuthMode:         models.AuthModePassword,
		IMAPHost:         imapServer.Address,
		IMAPUsername:     imapServer.Username(),
		SMTPHost:         smtpServer.Address,
		SMTPUsername:     smtpServer.Username(),
		ConnectionStatus: models.ConnectionUnknown,
	}

	account.EncryptedSecret, err = encryptor.Seal(account.ID, imapServer.Password())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	if err := st.SaveAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}
