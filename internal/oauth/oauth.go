// Package oauth defines the OAuth contract the OAuth-family providers
// consume, plus the Google implementation.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/keeperhq/calkeeper/internal/config"
)

// Token is a provider-agnostic OAuth token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// UserInfo identifies the account that granted access.
type UserInfo struct {
	ID    string
	Email string
}

// Service is the OAuth surface a provider family needs: the authorization
// flow, token refresh, and scope checking.
type Service interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
	FetchUserInfo(ctx context.Context, tok *Token) (*UserInfo, error)
	HasRequiredScopes(granted []string) bool
}

const calendarScope = "https://www.googleapis.com/auth/calendar"
const userinfoEmailScope = "https://www.googleapis.com/auth/userinfo.email"

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleService implements Service against Google's OAuth endpoints.
type GoogleService struct {
	config      *oauth2.Config
	userinfoURL string
	httpClient  *http.Client
}

// NewGoogleService creates a Google OAuth service from app configuration.
func NewGoogleService(cfg config.GoogleConfig) *GoogleService {
	return &GoogleService{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{calendarScope, userinfoEmailScope},
			Endpoint:     google.Endpoint,
		},
		userinfoURL: googleUserinfoURL,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// AuthorizationURL returns the consent page URL. Offline access is
// requested so a refresh token is issued.
func (s *GoogleService) AuthorizationURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for tokens.
func (s *GoogleService) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

// RefreshToken obtains a fresh access token from a stored refresh token.
func (s *GoogleService) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	src := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}
	refreshed := fromOAuth2Token(tok)
	// Google omits the refresh token on refresh responses; keep the old one.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}

// FetchUserInfo resolves the granting account.
func (s *GoogleService) FetchUserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var payload struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding userinfo response: %w", err)
	}

	return &UserInfo{ID: payload.ID, Email: payload.Email}, nil
}

// HasRequiredScopes reports whether the granted scopes cover calendar
// access.
func (s *GoogleService) HasRequiredScopes(granted []string) bool {
	for _, scope := range granted {
		if scope == calendarScope {
			return true
		}
	}
	return false
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
