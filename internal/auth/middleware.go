package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated owner's email.
const UserEmailKey contextKey = "user_email"

// DefaultUserEmail is the owner every token maps to until real token validation exists.
const DefaultUserEmail = "test@example.com"

// RequireAuth middleware checks for a valid bearer token in the Authorization header.
// It stores the owner's email in the request context for downstream handlers.
// Returns 401 Unauthorized if authentication fails.
func RequireAuth(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			logger.Debug("Auth: missing or malformed Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userEmail, err := ValidateToken(token)
		if err != nil {
			logger.Warnf("Auth: token validation failed: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), userEmail)))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value (RFC 7235).
// The scheme is case-insensitive. Returns "" when the header is not a bearer credential.
func BearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// TokenFromRequest reads the token from the "token" query parameter, falling back to the
// Authorization header. Browsers cannot set headers on WebSocket handshakes.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// WithUserEmail returns a context carrying the authenticated owner's email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}

// ValidateToken validates the token and returns the owner's email.
// In test mode (VMAIL_TEST_MODE=true) a token of the form "email:user@example.com"
// authenticates as that address. Any other non-empty token maps to DefaultUserEmail.
func ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "email:" {
		return "", fmt.Errorf("token is empty")
	}

	if os.Getenv("VMAIL_TEST_MODE") == "true" {
		if email, ok := strings.CutPrefix(token, "email:"); ok && email != "" {
			return email, nil
		}
	}

	// TODO: Verify tokens against the identity provider once one is configured.
	return DefaultUserEmail, nil
}
