package models

// SendRequest is an outgoing message composed by the user.
// Address fields accept RFC 5322 addresses, with or without display names.
type SendRequest struct {
	To          []string     `json:"to"`
	CC          []string     `json:"cc"`
	BCC         []string     `json:"bcc"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResponse reports the Message-ID the sent message was given.
type SendResponse struct {
	MessageID string `json:"message_id"`
}
