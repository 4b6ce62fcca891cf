package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server listening on a random local port.
// The memory backend has one user, "username"/"password", whose INBOX starts with a
// single seeded message (UID 6).
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts the server and stops it when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartTestIMAPServer()
	if err != nil {
		t.Fatalf("Failed to start test IMAP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// StartTestIMAPServer starts the server outside a test, for the sandbox server.
// The caller must Close it.
func StartTestIMAPServer() (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}, nil
}

// Close stops the server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect opens a logged-in client for seeding the server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.dial()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

func (s *TestIMAPServer) dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, err
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return client, nil
}

// CreateFolder creates an empty mailbox. UIDs in a fresh mailbox start at 1.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	if err := s.CreateMailbox(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// CreateMailbox is CreateFolder for callers without a *testing.T.
func (s *TestIMAPServer) CreateMailbox(name string) error {
	client, err := s.dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()

	return client.Create(name)
}

// AddRawMessage appends an RFC 5322 message and returns the UID the server assigned.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folder string, raw []byte, flags ...string) uint32 {
	t.Helper()

	uid, err := s.AppendMessage(folder, raw, flags...)
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	return uid
}

// AppendMessage is AddRawMessage for callers without a *testing.T.
func (s *TestIMAPServer) AppendMessage(folder string, raw []byte, flags ...string) (uint32, error) {
	client, err := s.dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	if flags == nil {
		flags = []string{}
	}
	if err := client.Append(folder, flags, time.Now(), bytes.NewReader(raw)); err != nil {
		return 0, err
	}

	status, err := client.Status(folder, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		return 0, fmt.Errorf("failed to read folder status: %w", err)
	}

	return status.UidNext - 1, nil
}

// AddMessage appends a plain-text message built from the given headers and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder, messageID, subject, from, to string, sentAt time.Time, flags ...string) uint32 {
	t.Helper()

	return s.AddRawMessage(t, folder, BuildMessage(messageID, subject, from, to, sentAt, "Test message body."), flags...)
}

// BuildMessage renders a minimal text/plain message with CRLF line endings.
func BuildMessage(messageID, subject, from, to string, sentAt time.Time, body string) []byte {
	lines := []string{
		"Message-ID: " + messageID,
		"Date: " + sentAt.Format(time.RFC1123Z),
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

// SeedFolder creates folder and fills it with count messages, returning their UIDs in order.
func (s *TestIMAPServer) SeedFolder(t *testing.T, folder string, count int) []uint32 {
	t.Helper()

	s.CreateFolder(t, folder)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	uids := make([]uint32, 0, count)
	for i := 1; i <= count; i++ {
		uids = append(uids, s.AddMessage(t, folder,
			fmt.Sprintf("<seed-%d@example.com>", i),
			fmt.Sprintf("Seed %d", i),
			"Seeder <seeder@example.com>",
			"username@example.com",
			base.Add(time.Duration(i)*time.Minute),
		))
	}
	return uids
}
