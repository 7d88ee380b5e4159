package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/calkeeper/internal/config"
)

func newTestService() *GoogleService {
	return NewGoogleService(config.GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/oauth/callback",
		Timeout:      5 * time.Second,
	})
}

func TestAuthorizationURL(t *testing.T) {
	svc := newTestService()

	url := svc.AuthorizationURL("state-123")
	assert.Contains(t, url, "client_id=client-id")
	assert.Contains(t, url, "state=state-123")
	assert.Contains(t, url, "access_type=offline", "refresh token must be requested")
}

func TestHasRequiredScopes(t *testing.T) {
	svc := newTestService()

	assert.True(t, svc.HasRequiredScopes([]string{calendarScope}))
	assert.True(t, svc.HasRequiredScopes([]string{userinfoEmailScope, calendarScope}))
	assert.False(t, svc.HasRequiredScopes([]string{userinfoEmailScope}))
	assert.False(t, svc.HasRequiredScopes(nil))
}

func TestFetchUserInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"google-user-1","email":"user@example.com"}`))
	}))
	defer server.Close()

	svc := newTestService()
	svc.userinfoURL = server.URL

	info, err := svc.FetchUserInfo(context.Background(), &Token{AccessToken: "token-abc"})
	require.NoError(t, err)
	assert.Equal(t, "google-user-1", info.ID)
	assert.Equal(t, "user@example.com", info.Email)
}

func TestFetchUserInfoErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	svc := newTestService()
	svc.userinfoURL = server.URL

	_, err := svc.FetchUserInfo(context.Background(), &Token{AccessToken: "expired"})
	assert.Error(t, err)
}
