package models

import (
	"fmt"
	"slices"
	"time"
)

// Protocol flag strings that the derived booleans mirror.
const (
	SeenFlag    = `\Seen`
	FlaggedFlag = `\Flagged`
)

type Folder struct {
	Name string `json:"name"`
}

// Message is the normalized, folder-scoped representation of one mailbox entry.
type Message struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	Folder          string       `json:"folder"`
	UID             uint32       `json:"uid"`
	MessageIDHeader string       `json:"message_id_header"`
	ThreadHint      string       `json:"thread_hint,omitempty"`
	From            []string     `json:"from"`
	To              []string     `json:"to"`
	CC              []string     `json:"cc"`
	BCC             []string     `json:"bcc"`
	ReplyTo         []string     `json:"reply_to"`
	Subject         string       `json:"subject"`
	Date            time.Time    `json:"date"`
	BodyText        string       `json:"body_text"`
	UnsafeBodyHTML  string       `json:"unsafe_body_html"`
	Snippet         string       `json:"snippet"`
	Flags           []string     `json:"flags"`
	IsRead          bool         `json:"is_read"`
	IsStarred       bool         `json:"is_starred"`
	SizeBytes       int64        `json:"size_bytes"`
	Attachments     []Attachment `json:"attachments"`
	SyncedAt        time.Time    `json:"synced_at"`
}

type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
	Content   []byte `json:"content,omitempty"`
}

// MessageID builds the folder-scoped message identity. The same physical email
// stored in two folders gets two distinct ids.
func MessageID(accountID, folder string, uid uint32) string {
	return fmt.Sprintf("%s:%s:%d", accountID, folder, uid)
}

// FlagUpdate carries a user-driven change to a message's read/starred state.
// Nil fields are left untouched.
type FlagUpdate struct {
	IsRead    *bool `json:"is_read,omitempty"`
	IsStarred *bool `json:"is_starred,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u FlagUpdate) IsEmpty() bool {
	return u.IsRead == nil && u.IsStarred == nil
}

// ApplyFlagUpdate sets the derived booleans and keeps the raw flag list consistent with them.
func ApplyFlagUpdate(msg *Message, update FlagUpdate) {
	if update.IsRead != nil {
		msg.IsRead = *update.IsRead
		msg.Flags = setFlag(msg.Flags, SeenFlag, *update.IsRead)
	}
	if update.IsStarred != nil {
		msg.IsStarred = *update.IsStarred
		msg.Flags = setFlag(msg.Flags, FlaggedFlag, *update.IsStarred)
	}
	if msg.Flags == nil {
		msg.Flags = []string{}
	}
}

func setFlag(flags []string, flag string, present bool) []string {
	has := slices.Contains(flags, flag)
	switch {
	case present && !has:
		return append(slices.Clone(flags), flag)
	case !present && has:
		return slices.DeleteFunc(slices.Clone(flags), func(f string) bool { return f == flag })
	default:
		return flags
	}
}

// PaginationInfo describes which slice of a list a response holds.
type PaginationInfo struct {
	TotalCount  int  `json:"total_count"`
	Page        int  `json:"page"`
	PerPage     int  `json:"per_page"`
	HasNextPage bool `json:"has_next_page"`
}

// MessagesResponse is one page of a folder's messages, newest first.
type MessagesResponse struct {
	Messages   []*Message     `json:"messages"`
	Pagination PaginationInfo `json:"pagination"`
}
