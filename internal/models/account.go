package models

import (
	"time"
)

// Provider selects how a connection to the account's mail servers is built.
type Provider string

const (
	ProviderIMAP    Provider = "imap"
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// AuthMode says what the account's encrypted secret holds.
type AuthMode string

const (
	// AuthModePassword means the secret is a plain IMAP/SMTP password (or an app password).
	AuthModePassword AuthMode = "password"
	// AuthModeOAuth2 means the secret is an OAuth2 refresh token.
	AuthModeOAuth2 AuthMode = "oauth2"
)

// ConnectionStatus is the last known outcome of connecting to an account.
type ConnectionStatus string

const (
	ConnectionUnknown   ConnectionStatus = "unknown"
	ConnectionConnected ConnectionStatus = "connected"
	ConnectionFailed    ConnectionStatus = "failed"
)

// Account identifies a mailbox owner and how to connect to it.
type Account struct {
	ID               string           `json:"id"`
	OwnerEmail       string           `json:"owner_email"`
	Email            string           `json:"email"`
	Provider         Provider         `json:"provider"`
	AuthMode         AuthMode         `json:"auth_mode"`
	IMAPHost         string           `json:"imap_host"`
	IMAPUsername     string           `json:"imap_username"`
	SMTPHost         string           `json:"smtp_host"`
	SMTPUsername     string           `json:"smtp_username"`
	EncryptedSecret  []byte           `json:"-"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AccountRequest represents the request payload for registering an account.
type AccountRequest struct {
	Email        string   `json:"email"`
	Provider     Provider `json:"provider"`
	AuthMode     AuthMode `json:"auth_mode"`
	IMAPHost     string   `json:"imap_host"`
	IMAPUsername string   `json:"imap_username"`
	SMTPHost     string   `json:"smtp_host"`
	SMTPUsername string   `json:"smtp_username"`
	Secret       string   `json:"secret"`
}

// AuthStatusResponse represents the authentication status of a user.
type AuthStatusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	AccountCount    int  `json:"accountCount"`
}
