package oauth

import (
	"github.com/emersion/go-sasl"
)

// XOAuth2 is the SASL mechanism name Gmail and Outlook use for bearer tokens.
const XOAuth2 = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client that authenticates username with an access token.
// go-sasl ships OAUTHBEARER but not the older XOAUTH2 that IMAP and SMTP providers accept.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, token: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return XOAuth2, []byte(ir), nil
}

// Next answers the server's JSON error challenge with an empty response so the server
// can finish the exchange with a failure status.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
