package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	streams    map[string]*nats.StreamConfig
	addErr     error
	publishErr error
	messages   []published
}

func (f *fakeJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.streams == nil {
		f.streams = map[string]*nats.StreamConfig{}
	}
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.messages = append(f.messages, published{subject: subj, data: data})
	return &nats.PubAck{Stream: StreamName}, nil
}

func newTestPublisher(js *fakeJetStream) *Publisher {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Publisher{js: js, logger: logger}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name     string
		progress models.SyncProgress
		want     string
	}{
		{
			name:     "plain tokens",
			progress: models.SyncProgress{AccountID: "acc-1", Folder: "INBOX", Status: models.SyncCompleted},
			want:     "mailsync.acc-1.INBOX.completed",
		},
		{
			name:     "hierarchy separators and wildcards are escaped",
			progress: models.SyncProgress{AccountID: "acc.1", Folder: "Work/Q1 *old* >", Status: models.SyncError},
			want:     "mailsync.acc_1.Work/Q1__old___.error",
		},
		{
			name:     "empty parts keep the token count",
			progress: models.SyncProgress{Status: models.SyncConnecting},
			want:     "mailsync._._.connecting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.progress))
		})
	}
}

func TestEnsureStream(t *testing.T) {
	t.Run("creates the stream once", func(t *testing.T) {
		js := &fakeJetStream{}
		p := newTestPublisher(js)

		require.NoError(t, p.EnsureStream())
		require.NoError(t, p.EnsureStream())
		require.Contains(t, js.streams, StreamName)
		assert.Equal(t, []string{"mailsync.>"}, js.streams[StreamName].Subjects)
	})

	t.Run("accepts a stream created concurrently", func(t *testing.T) {
		js := &fakeJetStream{addErr: nats.ErrStreamNameAlreadyInUse}
		assert.NoError(t, newTestPublisher(js).EnsureStream())
	})

	t.Run("reports other failures", func(t *testing.T) {
		js := &fakeJetStream{addErr: errors.New("no JetStream")}
		assert.ErrorContains(t, newTestPublisher(js).EnsureStream(), "no JetStream")
	})
}

func TestSink(t *testing.T) {
	t.Run("publishes JSON events", func(t *testing.T) {
		js := &fakeJetStream{}
		sink := newTestPublisher(js).Sink()

		n := 3
		sink(models.SyncProgress{AccountID: "acc-1", Folder: "INBOX", Status: models.SyncCompleted, NewEmails: &n, TotalEmails: &n})

		require.Len(t, js.messages, 1)
		assert.Equal(t, "mailsync.acc-1.INBOX.completed", js.messages[0].subject)

		var got models.SyncProgress
		require.NoError(t, json.Unmarshal(js.messages[0].data, &got))
		assert.Equal(t, "acc-1", got.AccountID)
		require.NotNil(t, got.NewEmails)
		assert.Equal(t, 3, *got.NewEmails)
	})

	t.Run("swallows publish errors", func(t *testing.T) {
		js := &fakeJetStream{publishErr: nats.ErrNoResponders}
		sink := newTestPublisher(js).Sink()

		assert.NotPanics(t, func() {
			sink(models.SyncProgress{AccountID: "acc-1", Folder: "INBOX", Status: models.SyncError})
		})
	})
}
