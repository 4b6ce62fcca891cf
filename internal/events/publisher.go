// Package events publishes sync progress to NATS JetStream for consumers outside this process.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	// StreamName is the JetStream stream progress events are stored in.
	StreamName = "MAILSYNC_PROGRESS"
	// SubjectPrefix starts every progress subject: mailsync.<account>.<folder>.<status>.
	SubjectPrefix = "mailsync"

	publishTimeout = 5 * time.Second
)

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps NATS JetStream for publishing progress events.
type Publisher struct {
	nc     *nats.Conn
	js     jetStream
	logger *logrus.Logger
}

// NewPublisher connects to NATS and makes sure the progress stream exists.
func NewPublisher(url string, logger *logrus.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, logger: logger}
	if err := p.EnsureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// EnsureStream creates the progress stream unless it already exists.
func (p *Publisher) EnsureStream() error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends one progress event. The message id lets JetStream drop redeliveries.
func (p *Publisher) Publish(progress models.SyncProgress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err = p.js.Publish(Subject(progress), payload, nats.MsgId(uuid.NewString()), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Sink adapts Publish to a progress callback. Publish failures are logged, never returned,
// so a NATS outage cannot fail a sync.
func (p *Publisher) Sink() func(models.SyncProgress) {
	return func(progress models.SyncProgress) {
		if err := p.Publish(progress); err != nil {
			p.logger.WithError(err).WithField("subject", Subject(progress)).Warn("Failed to publish sync progress")
		}
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Subject is where a progress event is published. Each part becomes a single subject token.
func Subject(progress models.SyncProgress) string {
	return strings.Join([]string{
		SubjectPrefix,
		token(progress.AccountID),
		token(progress.Folder),
		token(string(progress.Status)),
	}, ".")
}

// token replaces characters NATS treats as separators or wildcards.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
