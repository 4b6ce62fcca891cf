package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/provider"
)

// Connector opens authenticated connections for accounts.
type Connector interface {
	Connect(ctx context.Context, account *models.Account) (Connection, error)
}

// CredentialResolver turns an account into a login for its IMAP server.
type CredentialResolver interface {
	IMAPCredential(ctx context.Context, account *models.Account) (provider.Credential, error)
}

// DialerConfig holds the transport settings of a Dialer.
type DialerConfig struct {
	// ConnectTimeout bounds dialing, the TLS handshake and the server greeting.
	ConnectTimeout time.Duration
	// SocketTimeout bounds every read and write once connected.
	SocketTimeout time.Duration
	// Plaintext skips TLS. Only the in-memory test server needs this.
	Plaintext bool
	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config
}

// Dialer is the production Connector. It picks the address from the account's provider
// profile, authenticates with LOGIN or XOAUTH2, and counts every open connection against
// the account's limit until the connection is closed.
type Dialer struct {
	config   DialerConfig
	limiter  *ConnectionLimiter
	resolver CredentialResolver
	logger   *logrus.Logger
}

var _ Connector = (*Dialer)(nil)

func NewDialer(config DialerConfig, limiter *ConnectionLimiter, resolver CredentialResolver, logger *logrus.Logger) *Dialer {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.SocketTimeout <= 0 {
		config.SocketTimeout = 60 * time.Second
	}
	if limiter == nil {
		limiter = NewConnectionLimiter(0)
	}
	return &Dialer{config: config, limiter: limiter, resolver: resolver, logger: logger}
}

func (d *Dialer) Connect(ctx context.Context, account *models.Account) (Connection, error) {
	profile, err := provider.ProfileFor(account.Provider)
	if err != nil {
		return nil, err
	}
	address, err := profile.IMAPAddress(account)
	if err != nil {
		return nil, err
	}

	release, err := d.limiter.Acquire(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for a free connection slot: %w", err)
	}

	c, err := d.connect(ctx, account, address)
	if err != nil {
		release()
		return nil, err
	}

	logger := d.logger.WithFields(logrus.Fields{"account_id": account.ID, "address": address})
	logger.Debug("IMAP connection established")
	return newConn(c, release, logger), nil
}

func (d *Dialer) connect(ctx context.Context, account *models.Account, address string) (*client.Client, error) {
	credential, err := d.resolver.IMAPCredential(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()

	netConn, err := d.dial(dialCtx, address)
	if err != nil {
		return nil, err
	}

	// client.New reads the greeting, so the connect deadline covers it too.
	deadline, _ := dialCtx.Deadline()
	if err := netConn.SetDeadline(deadline); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to set greeting deadline: %w", err)
	}
	c, err := client.New(netConn)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to read greeting from %s: %w", address, err)
	}
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		_ = c.Terminate()
		return nil, fmt.Errorf("failed to clear greeting deadline: %w", err)
	}
	c.Timeout = d.config.SocketTimeout

	if err := authenticate(c, credential); err != nil {
		_ = c.Terminate()
		return nil, err
	}
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, address string) (net.Conn, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if d.config.Plaintext {
		return netConn, nil
	}

	tlsConfig := d.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		host, _, _ := net.SplitHostPort(address)
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed TLS handshake with %s: %w", address, err)
	}
	return tlsConn, nil
}

func authenticate(c *client.Client, credential provider.Credential) error {
	if credential.AccessToken != "" {
		if err := c.Authenticate(oauth.NewXOAuth2Client(credential.Username, credential.AccessToken)); err != nil {
			return fmt.Errorf("failed to authenticate with %s: %w", oauth.XOAuth2, err)
		}
		return nil
	}
	if err := c.Login(credential.Username, credential.Password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}
