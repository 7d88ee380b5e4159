package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/crypto"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/oauth"
	"github.com/keeperhq/calkeeper/internal/store"
)

// Factory builds a Provider for a destination row, decrypting its stored
// credentials for the lifetime of the instance. It also serves as the
// providers' TokenPersister, re-encrypting anything written back.
type Factory struct {
	repo      store.DestinationRepository
	encryptor crypto.Encryptor
	oauthSvc  oauth.Service
	cfg       *config.Config
	logger    *loggy.Logger

	// googleEndpoint overrides the API base URL in tests.
	googleEndpoint string
}

func NewFactory(repo store.DestinationRepository, encryptor crypto.Encryptor, oauthSvc oauth.Service, cfg *config.Config, logger *loggy.Logger) *Factory {
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &Factory{
		repo:      repo,
		encryptor: encryptor,
		oauthSvc:  oauthSvc,
		cfg:       cfg,
		logger:    logger,
	}
}

// ForDestination builds the provider matching the destination's kind.
// Each provider gets its own limiter so one destination's traffic never
// starves another's.
func (f *Factory) ForDestination(ctx context.Context, dest *store.Destination) (Provider, error) {
	switch Kind(dest.Kind) {
	case KindGoogle:
		return f.googleProvider(dest)
	case KindCalDAV:
		return f.caldavProvider(dest)
	default:
		return nil, fmt.Errorf("unsupported destination kind: %s", dest.Kind)
	}
}

func (f *Factory) googleProvider(dest *store.Destination) (Provider, error) {
	tok, err := f.decryptToken(dest)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for destination %s: %w", dest.ID, err)
	}
	limiter := NewLimiter(LimiterConfig{
		Concurrency:       f.cfg.Sync.ProviderConcurrency,
		RequestsPerMinute: f.cfg.Google.RequestsPerMinute,
		Burst:             f.cfg.Google.BurstLimit,
		MaxRetries:        f.cfg.Google.MaxRetries,
	})
	return NewGoogleProvider(GoogleProviderParams{
		Destination:  dest,
		Token:        tok,
		OAuth:        f.oauthSvc,
		Persister:    f,
		Limiter:      limiter,
		Summary:      f.cfg.Sync.EventSummary,
		HorizonYears: f.cfg.CalDAV.HorizonYears,
		Endpoint:     f.googleEndpoint,
		Logger:       f.logger,
	}), nil
}

func (f *Factory) caldavProvider(dest *store.Destination) (Provider, error) {
	password, err := f.encryptor.Decrypt(dest.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for destination %s: %w", dest.ID, err)
	}
	limiter := NewLimiter(LimiterConfig{
		Concurrency: f.cfg.Sync.ProviderConcurrency,
	})
	return NewCalDAVProvider(CalDAVProviderParams{
		Destination:  dest,
		Password:     password,
		Persister:    f,
		Limiter:      limiter,
		Timeout:      f.cfg.CalDAV.Timeout,
		Summary:      f.cfg.Sync.EventSummary,
		HorizonYears: f.cfg.CalDAV.HorizonYears,
		UserAgent:    f.cfg.CalDAV.UserAgent,
		Logger:       f.logger,
	})
}

func (f *Factory) decryptToken(dest *store.Destination) (*oauth.Token, error) {
	tok := &oauth.Token{}
	if dest.AccessToken != "" {
		access, err := f.encryptor.Decrypt(dest.AccessToken)
		if err != nil {
			return nil, err
		}
		tok.AccessToken = access
	}
	if dest.RefreshToken != "" {
		refresh, err := f.encryptor.Decrypt(dest.RefreshToken)
		if err != nil {
			return nil, err
		}
		tok.RefreshToken = refresh
	}
	if dest.TokenExpiry != nil {
		tok.Expiry = *dest.TokenExpiry
	}
	return tok, nil
}

// PersistTokens re-encrypts refreshed credentials before they touch the
// database.
func (f *Factory) PersistTokens(ctx context.Context, destinationID string, tok *oauth.Token) error {
	access, err := f.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := f.encryptor.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return f.repo.UpdateTokens(ctx, destinationID, access, refresh, expiry)
}

// MarkNeedsReauth flags the destination for re-authentication.
func (f *Factory) MarkNeedsReauth(ctx context.Context, destinationID string) error {
	return f.repo.MarkNeedsReauth(ctx, destinationID)
}
