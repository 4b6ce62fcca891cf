// Package provider knows how each mail provider is reached: which hosts to dial and how
// an account's stored secret becomes a credential the IMAP and SMTP servers accept.
package provider

import (
	"errors"
	"fmt"
	"net"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrUnknownProvider is returned for a provider tag no profile handles.
	ErrUnknownProvider = errors.New("unknown mail provider")
	// ErrUnsupportedAuth is returned when a provider cannot use the account's auth mode.
	ErrUnsupportedAuth = errors.New("auth mode not supported by provider")
)

// SMTPEndpoint is where to submit mail and whether the port speaks TLS from the first byte.
type SMTPEndpoint struct {
	Address     string
	ImplicitTLS bool
}

// Profile is the per-provider connection recipe. The sync engine never branches on the
// provider; it asks the profile selected by the account's provider tag.
type Profile interface {
	Provider() models.Provider
	IMAPAddress(account *models.Account) (string, error)
	SMTPEndpoint(account *models.Account) (SMTPEndpoint, error)
	SupportsAuth(mode models.AuthMode) bool
}

// ProfileFor returns the profile for the provider tag.
func ProfileFor(p models.Provider) (Profile, error) {
	switch p {
	case models.ProviderIMAP:
		return genericProfile{}, nil
	case models.ProviderGmail:
		return gmailProfile{}, nil
	case models.ProviderOutlook:
		return outlookProfile{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

// genericProfile dials whatever host the account was registered with.
type genericProfile struct{}

func (genericProfile) Provider() models.Provider { return models.ProviderIMAP }

func (genericProfile) IMAPAddress(account *models.Account) (string, error) {
	if account.IMAPHost == "" {
		return "", fmt.Errorf("account %s has no IMAP host", account.ID)
	}
	return withDefaultPort(account.IMAPHost, "993"), nil
}

func (genericProfile) SMTPEndpoint(account *models.Account) (SMTPEndpoint, error) {
	if account.SMTPHost == "" {
		return SMTPEndpoint{}, fmt.Errorf("account %s has no SMTP host", account.ID)
	}
	address := withDefaultPort(account.SMTPHost, "587")
	_, port, _ := net.SplitHostPort(address)
	return SMTPEndpoint{Address: address, ImplicitTLS: port == "465"}, nil
}

func (genericProfile) SupportsAuth(mode models.AuthMode) bool {
	return mode == models.AuthModePassword
}

type gmailProfile struct{}

func (gmailProfile) Provider() models.Provider { return models.ProviderGmail }

func (gmailProfile) IMAPAddress(*models.Account) (string, error) {
	return "imap.gmail.com:993", nil
}

func (gmailProfile) SMTPEndpoint(*models.Account) (SMTPEndpoint, error) {
	return SMTPEndpoint{Address: "smtp.gmail.com:465", ImplicitTLS: true}, nil
}

// SupportsAuth allows passwords too, because Gmail still accepts app passwords over IMAP.
func (gmailProfile) SupportsAuth(mode models.AuthMode) bool {
	return mode == models.AuthModeOAuth2 || mode == models.AuthModePassword
}

type outlookProfile struct{}

func (outlookProfile) Provider() models.Provider { return models.ProviderOutlook }

func (outlookProfile) IMAPAddress(*models.Account) (string, error) {
	return "outlook.office365.com:993", nil
}

func (outlookProfile) SMTPEndpoint(*models.Account) (SMTPEndpoint, error) {
	return SMTPEndpoint{Address: "smtp.office365.com:587"}, nil
}

func (outlookProfile) SupportsAuth(mode models.AuthMode) bool {
	return mode == models.AuthModeOAuth2
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
