package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMessage is one envelope the test SMTP server accepted.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
	// AuthMechanism is the SASL mechanism the client authenticated with.
	AuthMechanism string
}

// MemoryBackend is an in-memory SMTP backend that records every accepted message.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage

	username string
	password string
	token    string
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// Messages returns a copy of the received messages.
func (b *MemoryBackend) Messages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ReceivedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

type memorySession struct {
	backend   *MemoryBackend
	mechanism string
	from      string
	to        []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain, "XOAUTH2"}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if username != s.backend.username || password != s.backend.password {
				return errors.New("invalid username or password")
			}
			s.mechanism = mech
			return nil
		}), nil
	case "XOAUTH2":
		return &xoauth2Server{check: func(username, token string) error {
			if username != s.backend.username || token != s.backend.token {
				return errors.New("invalid token")
			}
			s.mechanism = mech
			return nil
		}}, nil
	default:
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 7, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	if s.mechanism == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From:          s.from,
		To:            s.to,
		Data:          data,
		AuthMechanism: s.mechanism,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// xoauth2Server accepts the single-message "user=...\x01auth=Bearer ...\x01\x01" exchange.
type xoauth2Server struct {
	check func(username, token string) error
}

func (x *xoauth2Server) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		return []byte{}, false, nil
	}

	var username, token string
	for _, part := range bytes.Split(response, []byte{0x01}) {
		switch {
		case bytes.HasPrefix(part, []byte("user=")):
			username = string(part[len("user="):])
		case bytes.HasPrefix(part, []byte("auth=Bearer ")):
			token = string(part[len("auth=Bearer "):])
		}
	}
	if err := x.check(username, token); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

// TestSMTPServer is an in-memory SMTP server listening on a random local port.
// It requires authentication: PLAIN with Username/Password or XOAUTH2 with Token.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
}

// NewTestSMTPServer starts the server and stops it when the test ends.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	s, err := StartTestSMTPServer()
	if err != nil {
		t.Fatalf("Failed to start test SMTP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// StartTestSMTPServer starts the server outside a test. The caller must Close it.
func StartTestSMTPServer() (*TestSMTPServer, error) {
	be := &MemoryBackend{
		username: "test-user",
		password: "test-pass",
		token:    "test-access-token",
	}

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestSMTPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
	}, nil
}

// Close stops the server.
func (s *TestSMTPServer) Close() {
	_ = s.Server.Close()
}

// SetLogin replaces the accepted PLAIN credentials. Call it before any client connects.
func (s *TestSMTPServer) SetLogin(username, password string) {
	s.Backend.mu.Lock()
	defer s.Backend.mu.Unlock()
	s.Backend.username = username
	s.Backend.password = password
}

// Username returns the accepted username.
func (s *TestSMTPServer) Username() string {
	return s.Backend.username
}

// Password returns the accepted PLAIN password.
func (s *TestSMTPServer) Password() string {
	return s.Backend.password
}

// Token returns the accepted XOAUTH2 access token.
func (s *TestSMTPServer) Token() string {
	return s.Backend.token
}

// Messages returns all messages received by the server.
func (s *TestSMTPServer) Messages() []*ReceivedMessage {
	return s.Backend.Messages()
}
