package imap

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap"
)

// RawMessage is one message as fetched from the server, before normalization.
type RawMessage struct {
	UID          uint32
	Flags        []string
	Size         uint32
	InternalDate time.Time
	Envelope     *imap.Envelope
	// Source is the full RFC 5322 message.
	Source []byte
}

// MailboxStatus is what STATUS reports about a folder.
type MailboxStatus struct {
	Exists      uint32
	Unseen      uint32
	UIDValidity uint32
	UIDNext     uint32
}

// UIDRange is an inclusive UID interval. To == 0 means "*", the highest UID in the mailbox.
type UIDRange struct {
	From uint32
	To   uint32
}

// Contains reports whether uid falls inside the range.
func (r UIDRange) Contains(uid uint32) bool {
	if uid < r.From {
		return false
	}
	return r.To == 0 || uid <= r.To
}

// SeqSet converts the range to the protocol representation.
func (r UIDRange) SeqSet() *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddRange(r.From, r.To)
	return set
}

func (r UIDRange) String() string {
	if r.To == 0 {
		return fmt.Sprintf("%d:*", r.From)
	}
	return fmt.Sprintf("%d:%d", r.From, r.To)
}
