package imap

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"slices"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/net/html"
)

const snippetLength = 200

var (
	errNilMessage    = errors.New("message is nil")
	errEmptySource   = errors.New("message has no source")
	messageIDPattern = regexp.MustCompile(`<[^<>\s]+>`)
)

// ParseMessage converts a fetched message into the normalized model.
// It does no I/O. SyncedAt is left for the caller to stamp.
func ParseMessage(raw *RawMessage, accountID, folder string) (*models.Message, error) {
	if raw == nil {
		return nil, errNilMessage
	}
	if len(raw.Source) == 0 {
		return nil, fmt.Errorf("uid %d: %w", raw.UID, errEmptySource)
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw.Source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse uid %d: %w", raw.UID, err)
	}

	flags := slices.Clone(raw.Flags)
	if flags == nil {
		flags = []string{}
	}

	msg := &models.Message{
		ID:             models.MessageID(accountID, folder, raw.UID),
		AccountID:      accountID,
		Folder:         folder,
		UID:            raw.UID,
		BodyText:       envelope.Text,
		UnsafeBodyHTML: envelope.HTML,
		Flags:          flags,
		IsRead:         slices.Contains(flags, imap.SeenFlag),
		IsStarred:      slices.Contains(flags, imap.FlaggedFlag),
		SizeBytes:      int64(raw.Size),
		Attachments:    parseAttachments(envelope),
	}
	if msg.SizeBytes == 0 {
		msg.SizeBytes = int64(len(raw.Source))
	}

	parseHeaders(msg, raw, envelope)
	msg.Snippet = makeSnippet(envelope.Text, envelope.HTML)

	return msg, nil
}

// parseHeaders prefers the server's ENVELOPE and falls back to the parsed headers.
func parseHeaders(msg *models.Message, raw *RawMessage, envelope *enmime.Envelope) {
	env := raw.Envelope
	if env == nil {
		env = &imap.Envelope{}
	}

	msg.From = addressesOr(env.From, envelope, "From")
	msg.To = addressesOr(env.To, envelope, "To")
	msg.CC = addressesOr(env.Cc, envelope, "Cc")
	msg.BCC = addressesOr(env.Bcc, envelope, "Bcc")
	msg.ReplyTo = addressesOr(env.ReplyTo, envelope, "Reply-To")

	msg.Subject = env.Subject
	if msg.Subject == "" {
		msg.Subject = envelope.GetHeader("Subject")
	}

	msg.MessageIDHeader = env.MessageId
	if msg.MessageIDHeader == "" {
		msg.MessageIDHeader = strings.TrimSpace(envelope.GetHeader("Message-ID"))
	}

	msg.Date = env.Date
	if msg.Date.IsZero() {
		if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
			msg.Date = date
		}
	}
	if msg.Date.IsZero() {
		msg.Date = raw.InternalDate
	}
	if !msg.Date.IsZero() {
		msg.Date = msg.Date.UTC()
	}

	inReplyTo := env.InReplyTo
	if inReplyTo == "" {
		inReplyTo = envelope.GetHeader("In-Reply-To")
	}
	msg.ThreadHint = threadHint(inReplyTo, envelope.GetHeader("References"))
}

// threadHint is the message being replied to, else the first entry of References.
func threadHint(inReplyTo, references string) string {
	if id := messageIDPattern.FindString(inReplyTo); id != "" {
		return id
	}
	if id := strings.TrimSpace(inReplyTo); id != "" {
		return id
	}
	return messageIDPattern.FindString(references)
}

func addressesOr(list []*imap.Address, envelope *enmime.Envelope, header string) []string {
	result := formatAddressList(list)
	if len(result) > 0 {
		return result
	}

	parsed, err := envelope.AddressList(header)
	if err != nil {
		return result
	}
	for _, address := range parsed {
		if address.Name != "" {
			result = append(result, fmt.Sprintf("%s <%s>", address.Name, address.Address))
		} else {
			result = append(result, address.Address)
		}
	}
	return result
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses. The result is never nil.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

func parseAttachments(envelope *enmime.Envelope) []models.Attachment {
	attachments := make([]models.Attachment, 0, len(envelope.Attachments)+len(envelope.Inlines))
	add := func(parts []*enmime.Part, inline bool) {
		for _, part := range parts {
			attachments = append(attachments, models.Attachment{
				Filename:  part.FileName,
				MimeType:  part.ContentType,
				SizeBytes: int64(len(part.Content)),
				IsInline:  inline,
				ContentID: part.ContentID,
				Content:   part.Content,
			})
		}
	}
	add(envelope.Attachments, false)
	add(envelope.Inlines, true)
	return attachments
}

// makeSnippet builds the preview line: the text body when present, otherwise the HTML
// body without markup. Whitespace runs collapse to one space.
func makeSnippet(text, htmlBody string) string {
	source := text
	if strings.TrimSpace(source) == "" {
		source = stripHTML(htmlBody)
	}

	collapsed := strings.Join(strings.Fields(source), " ")
	runes := []rune(collapsed)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength])
	}
	return collapsed
}

// stripHTML returns the text nodes of an HTML document with entities decoded.
// Script and style contents are dropped. Malformed markup yields whatever text was read.
func stripHTML(body string) string {
	if body == "" {
		return ""
	}

	var sb strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if isHidden(name) {
				skipDepth++
			}
			sb.WriteByte(' ')
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if isHidden(name) && skipDepth > 0 {
				skipDepth--
			}
			sb.WriteByte(' ')
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
			}
		}
	}
}

func isHidden(tag []byte) bool {
	switch string(tag) {
	case "script", "style", "head", "title":
		return true
	}
	return false
}
