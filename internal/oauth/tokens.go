// Package oauth turns stored OAuth2 refresh tokens into short-lived access tokens for
// IMAP and SMTP, and speaks the XOAUTH2 SASL mechanism those servers expect.
package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// ErrProviderNotConfigured is returned when no client credentials exist for a provider.
var ErrProviderNotConfigured = errors.New("oauth2 provider not configured")

// Scopes that grant IMAP and SMTP access on each provider.
var (
	GoogleScopes    = []string{"https://mail.google.com/"}
	MicrosoftScopes = []string{
		"https://outlook.office.com/IMAP.AccessAsUser.All",
		"https://outlook.office.com/SMTP.Send",
		"offline_access",
	}
)

// ClientCredentials are the app registration values for one provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Config selects which providers can refresh tokens.
type Config struct {
	Google    ClientCredentials
	Microsoft ClientCredentials

	// Endpoints overrides the provider token endpoints. Used by tests.
	Endpoints map[models.Provider]oauth2.Endpoint
	// HTTPClient is used for token requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Manager exchanges refresh tokens for access tokens and caches them until they expire.
type Manager struct {
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
	logger     *logrus.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewManager builds a manager for every provider whose client id is set.
func NewManager(cfg Config, logger *logrus.Logger) *Manager {
	m := &Manager{
		configs:    make(map[models.Provider]*oauth2.Config),
		httpClient: cfg.HTTPClient,
		logger:     logger,
		sources:    make(map[string]oauth2.TokenSource),
	}
	if m.httpClient == nil {
		m.httpClient = http.DefaultClient
	}

	endpointFor := func(provider models.Provider, fallback oauth2.Endpoint) oauth2.Endpoint {
		if e, ok := cfg.Endpoints[provider]; ok {
			return e
		}
		return fallback
	}

	if cfg.Google.ClientID != "" {
		m.configs[models.ProviderGmail] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     endpointFor(models.ProviderGmail, endpoints.Google),
			Scopes:       GoogleScopes,
		}
	}
	if cfg.Microsoft.ClientID != "" {
		m.configs[models.ProviderOutlook] = &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Endpoint:     endpointFor(models.ProviderOutlook, endpoints.AzureAD("common")),
			Scopes:       MicrosoftScopes,
		}
	}

	return m
}

// Supports reports whether the provider has client credentials configured.
func (m *Manager) Supports(provider models.Provider) bool {
	_, ok := m.configs[provider]
	return ok
}

// AccessToken returns a valid access token for the refresh token, refreshing it when needed.
func (m *Manager) AccessToken(ctx context.Context, provider models.Provider, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("refresh token is empty")
	}

	source, err := m.source(provider, refreshToken)
	if err != nil {
		return "", err
	}

	type result struct {
		token *oauth2.Token
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := source.Token()
		done <- result{token, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			m.forget(provider, refreshToken)
			return "", fmt.Errorf("failed to refresh %s access token: %w", provider, r.err)
		}
		return r.token.AccessToken, nil
	}
}

// source returns the cached token source for the refresh token, creating it on first use.
// Sources outlive any single request, so they use a background context carrying the HTTP client.
func (m *Manager) source(provider models.Provider, refreshToken string) (oauth2.TokenSource, error) {
	conf, ok := m.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	key := cacheKey(provider, refreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	if source, ok := m.sources[key]; ok {
		return source, nil
	}

	base := context.WithValue(context.Background(), oauth2.HTTPClient, m.httpClient)
	source := conf.TokenSource(base, &oauth2.Token{RefreshToken: refreshToken})
	m.sources[key] = source
	m.logger.WithField("provider", provider).Debug("Created OAuth2 token source")
	return source, nil
}

func (m *Manager) forget(provider models.Provider, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, cacheKey(provider, refreshToken))
}

// cacheKey avoids holding refresh tokens as map keys in plain text.
func cacheKey(provider models.Provider, refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return string(provider) + ":" + hex.EncodeToString(sum[:])
}
