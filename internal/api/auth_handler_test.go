package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailsync/internal/models"
)

func TestAuthHandler_GetAuthStatus(t *testing.T) {
	st := newTestStore(t)
	handler := NewAuthHandler(st, quietLogger())

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.GetAuthStatus, "GET", "/api/v1/auth/status")
	})

	t.Run("returns zero accounts for a new owner", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, requestAs(t, "GET", "/api/v1/auth/status", "new@example.com", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		response := decodeBody[models.AuthStatusResponse](t, rr)
		assert.True(t, response.IsAuthenticated)
		assert.Equal(t, 0, response.AccountCount)
	})

	t.Run("counts the owner's accounts", func(t *testing.T) {
		newAccountFor(t, st, "owner@example.com", "a@example.com")
		newAccountFor(t, st, "owner@example.com", "b@example.com")

		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, requestAs(t, "GET", "/api/v1/auth/status", "owner@example.com", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 2, decodeBody[models.AuthStatusResponse](t, rr).AccountCount)
	})

	t.Run("returns 500 when the store fails", func(t *testing.T) {
		broken := newTestStore(t)
		_ = broken.Close()
		handler := NewAuthHandler(broken, quietLogger())

		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, requestAs(t, "GET", "/api/v1/auth/status", "owner@example.com", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
