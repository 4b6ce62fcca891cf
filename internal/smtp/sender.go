// Package smtp submits outgoing mail through the account's SMTP server.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

var (
	// ErrInvalidMessage is returned when a send request cannot be turned into a message.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNoSTARTTLS is returned when a submission server on a plain port does not offer STARTTLS.
	ErrNoSTARTTLS = errors.New("SMTP server does not support STARTTLS")
)

// CredentialResolver turns an account into a login for its SMTP server.
type CredentialResolver interface {
	SMTPCredential(ctx context.Context, account *models.Account) (provider.Credential, error)
}

type Config struct {
	// Timeout bounds dialing and every SMTP command.
	Timeout time.Duration
	// Plaintext never negotiates TLS. Only the in-memory test server needs this.
	Plaintext bool
	TLSConfig *tls.Config
	// Now stamps the Date header. Defaults to time.Now.
	Now func() time.Time
}

type Sender struct {
	resolver CredentialResolver
	config   Config
	logger   *logrus.Logger
}

func NewSender(resolver CredentialResolver, config Config, logger *logrus.Logger) *Sender {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Sender{resolver: resolver, config: config, logger: logger}
}

// Send composes the message and submits it. It returns the generated Message-ID.
// The message is not stored in any folder; it shows up in Sent once the server files it there.
func (s *Sender) Send(ctx context.Context, account *models.Account, req *models.SendRequest) (string, error) {
	profile, err := provider.ProfileFor(account.Provider)
	if err != nil {
		return "", err
	}
	endpoint, err := profile.SMTPEndpoint(account)
	if err != nil {
		return "", err
	}

	messageID := newMessageID(account.Email)
	data, recipients, err := s.compose(account, req, messageID)
	if err != nil {
		return "", err
	}

	credential, err := s.resolver.SMTPCredential(ctx, account)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credentials: %w", err)
	}

	if err := s.submit(ctx, endpoint, credential, account.Email, recipients, data); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"recipients": len(recipients),
		"message_id": messageID,
	}).Info("Message sent")

	return messageID, nil
}

// compose renders the MIME message. Bcc recipients are returned but never written to headers.
func (s *Sender) compose(account *models.Account, req *models.SendRequest, messageID string) ([]byte, []string, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, nil, fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}

	to, err := parseAddresses("to", req.To)
	if err != nil {
		return nil, nil, err
	}
	cc, err := parseAddresses("cc", req.CC)
	if err != nil {
		return nil, nil, err
	}
	bcc, err := parseAddresses("bcc", req.BCC)
	if err != nil {
		return nil, nil, err
	}
	if len(to)+len(cc)+len(bcc) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}

	builder := enmime.Builder().
		From("", account.Email).
		Subject(req.Subject).
		Date(s.config.Now()).
		Header("Message-ID", messageID).
		ToAddrs(to).
		CCAddrs(cc).
		BCCAddrs(bcc).
		Text([]byte(req.BodyText))
	if req.BodyHTML != "" {
		builder = builder.HTML([]byte(req.BodyHTML))
	}
	if req.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", req.InReplyTo)
	}
	if len(req.References) > 0 {
		builder = builder.Header("References", strings.Join(req.References, " "))
	}
	for _, a := range req.Attachments {
		builder = builder.AddAttachment(a.Content, a.MimeType, a.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, nil, fmt.Errorf("failed to encode message: %w", err)
	}

	recipients := make([]string, 0, len(to)+len(cc)+len(bcc))
	for _, list := range [][]mail.Address{to, cc, bcc} {
		for _, a := range list {
			recipients = append(recipients, a.Address)
		}
	}
	return buf.Bytes(), recipients, nil
}

func parseAddresses(field string, values []string) ([]mail.Address, error) {
	addresses := make([]mail.Address, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s address %q: %v", ErrInvalidMessage, field, v, err)
		}
		for _, a := range parsed {
			addresses = append(addresses, *a)
		}
	}
	return addresses, nil
}

func (s *Sender) submit(ctx context.Context, endpoint provider.SMTPEndpoint, credential provider.Credential, from string, recipients []string, data []byte) error {
	conn, err := s.dial(ctx, endpoint)
	if err != nil {
		return err
	}

	c, err := s.newClient(conn, endpoint)
	if err != nil {
		return err
	}
	c.CommandTimeout = s.config.Timeout
	c.SubmissionTimeout = s.config.Timeout
	defer c.Close()

	if err := c.Auth(credential.SASL()); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range recipients {
		if err := c.Rcpt(to, nil); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return c.Quit()
}

// newClient greets the server, upgrading plain submission ports with STARTTLS.
func (s *Sender) newClient(conn net.Conn, endpoint provider.SMTPEndpoint) (*smtp.Client, error) {
	if endpoint.ImplicitTLS || s.config.Plaintext {
		c := smtp.NewClient(conn)
		if err := c.Hello("localhost"); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to greet SMTP server: %w", err)
		}
		return c, nil
	}

	host, _, _ := net.SplitHostPort(endpoint.Address)
	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig(host))
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "support STARTTLS") {
			return nil, ErrNoSTARTTLS
		}
		return nil, fmt.Errorf("failed to start TLS: %w", err)
	}
	return c, nil
}

func (s *Sender) dial(ctx context.Context, endpoint provider.SMTPEndpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", endpoint.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if !endpoint.ImplicitTLS || s.config.Plaintext {
		return conn, nil
	}

	host, _, _ := net.SplitHostPort(endpoint.Address)
	tlsConn := tls.Client(conn, s.tlsConfig(host))
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed TLS handshake with %s: %w", endpoint.Address, err)
	}
	return tlsConn, nil
}

func (s *Sender) tlsConfig(host string) *tls.Config {
	if s.config.TLSConfig != nil {
		cfg := s.config.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
