package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fetchItems are requested for every synced message. BODY.PEEK[] keeps \Seen untouched.
func fetchItems() []imap.FetchItem {
	section := &imap.BodySectionName{Peek: true}
	return []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		imap.FetchEnvelope,
		section.FetchItem(),
	}
}

// fetchRange runs UID FETCH over r on the selected folder and hands each message to
// handle as it arrives. After the first handle error the remaining responses are
// drained so the connection stays usable.
func fetchRange(c *client.Client, r UIDRange, handle func(*RawMessage) error) error {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(r.SeqSet(), fetchItems(), messages)
	}()

	var handleErr error
	for msg := range messages {
		if handleErr != nil {
			continue
		}
		raw, err := toRawMessage(msg)
		if err != nil {
			handleErr = err
			continue
		}
		handleErr = handle(raw)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch %s: %w", r, err)
	}
	return handleErr
}

func toRawMessage(msg *imap.Message) (*RawMessage, error) {
	raw := &RawMessage{
		UID:          msg.Uid,
		Flags:        append([]string{}, msg.Flags...),
		Size:         msg.Size,
		InternalDate: msg.InternalDate,
		Envelope:     msg.Envelope,
	}

	// Only one body section is requested, so the map holds at most one literal.
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		source, err := io.ReadAll(literal)
		if err != nil {
			return nil, fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
		}
		raw.Source = source
		break
	}

	return raw, nil
}
