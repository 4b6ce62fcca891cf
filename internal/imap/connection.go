package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
)

// Connection is a live, authenticated session with one account's IMAP server.
// Close frees the connection and its slot; calling it again is a no-op.
type Connection interface {
	// Status inspects a folder without selecting it.
	Status(ctx context.Context, folder string) (*MailboxStatus, error)
	// Open selects the folder read-only so fetching never sets \Seen.
	Open(ctx context.Context, folder string) error
	// FetchRange streams every message of the open folder whose UID is in r.
	// If handle returns an error the stream is drained and that error is returned.
	FetchRange(ctx context.Context, r UIDRange, handle func(*RawMessage) error) error
	// ListFolders returns the selectable folders.
	ListFolders(ctx context.Context) ([]models.Folder, error)
	Close() error
}

// ErrConnectionClosed is returned when a closed connection is used.
var ErrConnectionClosed = errors.New("imap connection closed")

type conn struct {
	client  *client.Client
	release func()
	logger  *logrus.Entry

	mu     sync.Mutex
	closed bool
}

func newConn(c *client.Client, release func(), logger *logrus.Entry) *conn {
	return &conn{client: c, release: release, logger: logger}
}

// do runs one blocking protocol exchange. go-imap v1 has no context support, so a
// cancelled ctx terminates the socket, which unblocks the command with an error.
func (c *conn) do(ctx context.Context, fn func(*client.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.client.Terminate()
		case <-stop:
		}
	}()

	err := fn(c.client)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (imap: %v)", ctxErr, err)
	}
	return err
}

func (c *conn) Status(ctx context.Context, folder string) (*MailboxStatus, error) {
	var status *MailboxStatus
	err := c.do(ctx, func(cl *client.Client) error {
		var err error
		status, err = folderStatus(cl, folder)
		return err
	})
	return status, err
}

func (c *conn) Open(ctx context.Context, folder string) error {
	err := c.do(ctx, func(cl *client.Client) error {
		_, err := cl.Select(folder, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", folder, err)
	}
	return nil
}

func (c *conn) FetchRange(ctx context.Context, r UIDRange, handle func(*RawMessage) error) error {
	return c.do(ctx, func(cl *client.Client) error {
		return fetchRange(cl, r, handle)
	})
}

func (c *conn) ListFolders(ctx context.Context) ([]models.Folder, error) {
	var folders []models.Folder
	err := c.do(ctx, func(cl *client.Client) error {
		var err error
		folders, err = ListFolders(cl)
		return err
	})
	return folders, err
}

// Close logs out and frees the account's connection slot. Only the first call does anything.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	defer c.release()

	if err := c.client.Logout(); err != nil {
		c.logger.WithError(err).Debug("IMAP logout failed")
		_ = c.client.Terminate()
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}
