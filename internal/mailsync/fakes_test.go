package mailsync

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sqlite"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/store/storetest"
	"github.com/vdavid/mailsync/internal/testutil"
)

var baseDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeMailbox struct {
	uidValidity uint32
	uidNext     uint32
	messages    map[uint32]*imap.RawMessage
}

// fakeServer is an in-process mailbox server with failure switches.
type fakeServer struct {
	mu      sync.Mutex
	folders map[string]*fakeMailbox

	connectErr error
	statusErr  error
	fetchErr   error
	panicFetch bool
	// lastForStar answers "n:*" with the highest message when nothing is >= n.
	lastForStar bool

	connects int
	closes   int
	fetches  []imap.UIDRange
}

func newFakeServer() *fakeServer {
	return &fakeServer{folders: make(map[string]*fakeMailbox)}
}

func (s *fakeServer) mailbox(folder string) *fakeMailbox {
	mb, ok := s.folders[folder]
	if !ok {
		mb = &fakeMailbox{uidValidity: 1, uidNext: 1, messages: make(map[uint32]*imap.RawMessage)}
		s.folders[folder] = mb
	}
	return mb
}

// addRange stores messages with UIDs from..to inclusive.
func (s *fakeServer) addRange(folder string, from, to uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.mailbox(folder)
	for uid := from; uid <= to; uid++ {
		mb.put(uid, fmt.Sprintf("Message %d", uid), flags)
	}
}

// putMessage stores a message with the given subject at uid, replacing whatever was there.
func (s *fakeServer) putMessage(folder string, uid uint32, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailbox(folder).put(uid, subject, nil)
}

func (mb *fakeMailbox) put(uid uint32, subject string, flags []string) {
	mb.messages[uid] = &imap.RawMessage{
		UID:   uid,
		Flags: slices.Clone(flags),
		Source: testutil.BuildMessage(
			fmt.Sprintf("<%d.%d@example.com>", mb.uidValidity, uid),
			subject,
			"sender@example.com",
			"me@example.com",
			baseDate.Add(time.Duration(uid)*time.Minute),
			"Body",
		),
	}
	mb.uidNext = max(mb.uidNext, uid+1)
}

func (s *fakeServer) addBroken(folder string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.mailbox(folder)
	mb.messages[uid] = &imap.RawMessage{UID: uid}
	mb.uidNext = max(mb.uidNext, uid+1)
}

func (s *fakeServer) setUIDValidity(folder string, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailbox(folder).uidValidity = v
}

// setUIDNext makes the server report uidNext without storing messages up to it.
func (s *fakeServer) setUIDNext(folder string, next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailbox(folder).uidNext = next
}

func (s *fakeServer) fetchedRanges() []imap.UIDRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fetches)
}

func (s *fakeServer) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeServer) Connect(ctx context.Context, account *models.Account) (imap.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectErr != nil {
		return nil, s.connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.connects++
	return &fakeConn{server: s}, nil
}

type fakeConn struct {
	server *fakeServer
	open   string
	closed bool
}

func (c *fakeConn) Status(_ context.Context, folder string) (*imap.MailboxStatus, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusErr != nil {
		return nil, s.statusErr
	}
	mb, ok := s.folders[folder]
	if !ok {
		return nil, fmt.Errorf("no such folder %s", folder)
	}
	return &imap.MailboxStatus{
		Exists:      uint32(len(mb.messages)),
		UIDValidity: mb.uidValidity,
		UIDNext:     mb.uidNext,
	}, nil
}

func (c *fakeConn) Open(_ context.Context, folder string) error {
	c.open = folder
	return nil
}

func (c *fakeConn) FetchRange(_ context.Context, r imap.UIDRange, handle func(*imap.RawMessage) error) error {
	s := c.server
	s.mu.Lock()
	s.fetches = append(s.fetches, r)
	if s.panicFetch {
		s.mu.Unlock()
		panic("fetch exploded")
	}
	if s.fetchErr != nil {
		s.mu.Unlock()
		return s.fetchErr
	}

	mb := s.folders[c.open]
	var uids []uint32
	for uid := range mb.messages {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	var batch []*imap.RawMessage
	for _, uid := range uids {
		if r.Contains(uid) {
			batch = append(batch, cloneRaw(mb.messages[uid]))
		}
	}
	if len(batch) == 0 && s.lastForStar && r.To == 0 && len(uids) > 0 {
		batch = append(batch, cloneRaw(mb.messages[uids[len(uids)-1]]))
	}
	s.mu.Unlock()

	var firstErr error
	for _, raw := range batch {
		if err := handle(raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cloneRaw(raw *imap.RawMessage) *imap.RawMessage {
	c := *raw
	c.Flags = slices.Clone(raw.Flags)
	return &c
}

func (c *fakeConn) ListFolders(context.Context) ([]models.Folder, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	var folders []models.Folder
	for name := range s.folders {
		folders = append(folders, models.Folder{Name: name})
	}
	return folders, nil
}

func (c *fakeConn) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.closed {
		c.closed = true
		s.closes++
	}
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAccount(t *testing.T, s store.Store) *models.Account {
	t.Helper()
	return storetest.NewAccount(t, s, "owner@example.com", "me@example.com")
}

// progressLog records events and is safe for concurrent use.
type progressLog struct {
	mu     sync.Mutex
	events []models.SyncProgress
}

func (l *progressLog) record(p models.SyncProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func (l *progressLog) statuses() []models.SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	statuses := make([]models.SyncStatus, 0, len(l.events))
	for _, e := range l.events {
		statuses = append(statuses, e.Status)
	}
	return statuses
}
