package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/sqlite"
	"github.com/vdavid/mailsync/internal/store/storetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// requestAs builds a request authenticated as owner. body is JSON-encoded unless nil;
// pathValues are name, value pairs for the route's wildcards.
func requestAs(t *testing.T, method, url, owner string, body any, pathValues ...string) *http.Request {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, url, reader)
	if owner != "" {
		req = req.WithContext(auth.WithUserEmail(req.Context(), owner))
	}
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	return req
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}

// recordingPusher stands in for the websocket hub.
type recordingPusher struct {
	mu     sync.Mutex
	events map[string][]models.SyncProgress
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{events: make(map[string][]models.SyncProgress)}
}

func (p *recordingPusher) SendProgress(owner string, progress models.SyncProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[owner] = append(p.events[owner], progress)
}

func (p *recordingPusher) For(owner string) []models.SyncProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SyncProgress(nil), p.events[owner]...)
}

// fakeSyncer completes every requested folder with one new email and reports progress.
type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	done  chan []*models.Account
}

func (f *fakeSyncer) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSyncer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSyncer) run(accounts []*models.Account, folders []string, onProgress mailsync.ProgressFunc) []models.SyncResult {
	var results []models.SyncResult
	for _, account := range accounts {
		for _, folder := range folders {
			one, total := 1, 1
			if onProgress != nil {
				onProgress(models.SyncProgress{
					AccountID: account.ID, Folder: folder, Status: models.SyncCompleted,
					Message: "done", NewEmails: &one, TotalEmails: &total,
				})
			}
			results = append(results, models.SyncResult{AccountID: account.ID, Folder: folder, NewEmails: 1, TotalEmails: 1})
		}
	}
	return results
}

func (f *fakeSyncer) SyncAccount(_ context.Context, account *models.Account, folders []string, onProgress mailsync.ProgressFunc) []models.SyncResult {
	f.record(fmt.Sprintf("account:%s:%v", account.ID, folders))
	return f.run([]*models.Account{account}, folders, onProgress)
}

func (f *fakeSyncer) SyncAllAccounts(_ context.Context, accounts []*models.Account, folders []string, onProgress mailsync.ProgressFunc) []models.SyncResult {
	f.record(fmt.Sprintf("all:%d:%v", len(accounts), folders))
	return f.run(accounts, folders, onProgress)
}

func (f *fakeSyncer) QuickSync(_ context.Context, accounts []*models.Account, onProgress mailsync.ProgressFunc) []models.SyncResult {
	f.record(fmt.Sprintf("quick:%d", len(accounts)))
	results := f.run(accounts, []string{mailsync.InboxFolder}, onProgress)
	if f.done != nil {
		f.done <- accounts
	}
	return results
}

type countingTrigger struct {
	mu    sync.Mutex
	count int
}

func (c *countingTrigger) TriggerNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

// seedMessages stores count messages in folder with one-minute spacing.
func seedMessages(t *testing.T, st *sqlite.Store, account *models.Account, folder string, count int) {
	t.Helper()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	messages := make([]*models.Message, 0, count)
	for i := 1; i <= count; i++ {
		messages = append(messages, storetest.NewMessage(account.ID, folder, uint32(i), base.Add(time.Duration(i)*time.Minute)))
	}
	added, err := st.AppendMessages(context.Background(), account.ID, folder, messages)
	require.NoError(t, err)
	require.Equal(t, count, added)
}

func newAccountFor(t *testing.T, st *sqlite.Store, owner, email string) *models.Account {
	t.Helper()
	return storetest.NewAccount(t, st, owner, email)
}
