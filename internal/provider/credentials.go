package provider

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
)

// Credential is a connection-ready login for one server.
// Exactly one of Password and AccessToken is set.
type Credential struct {
	Username    string
	Password    string
	AccessToken string
}

// SASL returns the client for SMTP AUTH: XOAUTH2 for tokens, PLAIN for passwords.
func (c Credential) SASL() sasl.Client {
	if c.AccessToken != "" {
		return oauth.NewXOAuth2Client(c.Username, c.AccessToken)
	}
	return sasl.NewPlainClient("", c.Username, c.Password)
}

// SecretOpener decrypts an account's stored secret.
type SecretOpener interface {
	Open(accountID string, sealed []byte) (string, error)
}

// TokenSource exchanges a refresh token for an access token.
type TokenSource interface {
	AccessToken(ctx context.Context, provider models.Provider, refreshToken string) (string, error)
}

// Resolver builds credentials from accounts. Secrets are decrypted only here, right before use.
type Resolver struct {
	secrets SecretOpener
	tokens  TokenSource
}

// NewResolver creates a resolver. tokens may be nil when no OAuth2 provider is configured.
func NewResolver(secrets SecretOpener, tokens TokenSource) *Resolver {
	return &Resolver{secrets: secrets, tokens: tokens}
}

// IMAPCredential resolves the login for the account's IMAP server.
func (r *Resolver) IMAPCredential(ctx context.Context, account *models.Account) (Credential, error) {
	username := firstNonEmpty(account.IMAPUsername, account.Email)
	return r.resolve(ctx, account, username)
}

// SMTPCredential resolves the login for the account's SMTP server.
func (r *Resolver) SMTPCredential(ctx context.Context, account *models.Account) (Credential, error) {
	username := firstNonEmpty(account.SMTPUsername, account.IMAPUsername, account.Email)
	return r.resolve(ctx, account, username)
}

func (r *Resolver) resolve(ctx context.Context, account *models.Account, username string) (Credential, error) {
	profile, err := ProfileFor(account.Provider)
	if err != nil {
		return Credential{}, err
	}
	if !profile.SupportsAuth(account.AuthMode) {
		return Credential{}, fmt.Errorf("%w: %s with %s", ErrUnsupportedAuth, account.Provider, account.AuthMode)
	}

	secret, err := r.secrets.Open(account.ID, account.EncryptedSecret)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	if account.AuthMode != models.AuthModeOAuth2 {
		return Credential{Username: username, Password: secret}, nil
	}

	if r.tokens == nil {
		return Credential{}, fmt.Errorf("%w: %s", oauth.ErrProviderNotConfigured, account.Provider)
	}
	token, err := r.tokens.AccessToken(ctx, account.Provider, secret)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Username: username, AccessToken: token}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
