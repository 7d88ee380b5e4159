package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/keeperhq/calkeeper/internal/event"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/oauth"
	"github.com/keeperhq/calkeeper/internal/store"
)

// refreshMargin refreshes tokens slightly before expiry so a long batch
// does not fail mid-flight on a token that was valid when it started.
const refreshMargin = 5 * time.Minute

// TokenPersister stores refreshed credentials and the re-auth flag. The
// factory implements it on top of the repository with encryption applied.
type TokenPersister interface {
	PersistTokens(ctx context.Context, destinationID string, tok *oauth.Token) error
	MarkNeedsReauth(ctx context.Context, destinationID string) error
}

// GoogleProvider talks to the Google Calendar API for one destination.
// Authorization failures flip a durable needs-reauth flag and degrade every
// subsequent call to a no-op; the sync run continues for other destinations.
type GoogleProvider struct {
	dest      *store.Destination
	oauthSvc  oauth.Service
	persister TokenPersister
	limiter   *Limiter
	logger    *loggy.Logger

	summary      string
	horizonYears int
	endpoint     string // overridden in tests

	mu          sync.Mutex
	token       *oauth.Token
	needsReauth bool
}

// GoogleProviderParams carries the dependencies for NewGoogleProvider.
type GoogleProviderParams struct {
	Destination  *store.Destination
	Token        *oauth.Token // decrypted
	OAuth        oauth.Service
	Persister    TokenPersister
	Limiter      *Limiter
	Summary      string
	HorizonYears int
	Endpoint     string
	Logger       *loggy.Logger
}

func NewGoogleProvider(p GoogleProviderParams) *GoogleProvider {
	logger := p.Logger
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &GoogleProvider{
		dest:         p.Destination,
		oauthSvc:     p.OAuth,
		persister:    p.Persister,
		limiter:      p.Limiter,
		logger:       logger.With("provider", "google", "destination_id", p.Destination.ID),
		summary:      p.Summary,
		horizonYears: p.HorizonYears,
		endpoint:     p.Endpoint,
		token:        p.Token,
		needsReauth:  p.Destination.NeedsReauth,
	}
}

func (g *GoogleProvider) Kind() Kind { return KindGoogle }

func (g *GoogleProvider) NeedsReauth() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.needsReauth
}

// markNeedsReauth flips the in-memory flag and persists it. Persistence
// failures are logged and swallowed; degradation must never turn into a
// crash of the surrounding sync run.
func (g *GoogleProvider) markNeedsReauth(ctx context.Context, cause error) {
	g.mu.Lock()
	if g.needsReauth {
		g.mu.Unlock()
		return
	}
	g.needsReauth = true
	g.mu.Unlock()

	g.logger.Warn("destination authorization lost, degrading to no-op", "error", cause)
	if err := g.persister.MarkNeedsReauth(ctx, g.dest.ID); err != nil {
		g.logger.Error("failed to persist needs-reauth flag", "error", err)
	}
}

// ensureValidToken refreshes the access token when it is within the
// refresh margin of expiry. A failed refresh means the grant is gone.
func (g *GoogleProvider) ensureValidToken(ctx context.Context) (*oauth.Token, error) {
	g.mu.Lock()
	if g.needsReauth {
		g.mu.Unlock()
		return nil, ErrNeedsReauth
	}
	tok := g.token
	g.mu.Unlock()

	if tok == nil || tok.RefreshToken == "" && tok.AccessToken == "" {
		g.markNeedsReauth(ctx, errors.New("no stored credentials"))
		return nil, ErrNeedsReauth
	}
	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > refreshMargin {
		return tok, nil
	}

	refreshed, err := g.oauthSvc.RefreshToken(ctx, tok.RefreshToken)
	if err != nil {
		g.markNeedsReauth(ctx, err)
		return nil, ErrNeedsReauth
	}
	g.mu.Lock()
	g.token = refreshed
	g.mu.Unlock()
	if err := g.persister.PersistTokens(ctx, g.dest.ID, refreshed); err != nil {
		g.logger.Error("failed to persist refreshed tokens", "error", err)
	}
	return refreshed, nil
}

func (g *GoogleProvider) calendarService(ctx context.Context) (*calendar.Service, error) {
	tok, err := g.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken})),
	}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return svc, nil
}

// classify maps a Google API error into the limiter's retry taxonomy and
// flips the re-auth flag on authorization failures.
func (g *GoogleProvider) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return MarkTransient(err)
		case gerr.Code == http.StatusForbidden && isRateLimitReason(gerr):
			return MarkTransient(err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			g.markNeedsReauth(ctx, err)
			return ErrNeedsReauth
		}
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		g.markNeedsReauth(ctx, err)
		return ErrNeedsReauth
	}
	return err
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "ateLimitExceeded") {
			return true
		}
	}
	return false
}

// ListRemoteEvents pages through the destination calendar within the sync
// window and returns the events this system owns for this user. Foreign
// events and other users' blocks on a shared calendar are never returned.
func (g *GoogleProvider) ListRemoteEvents(ctx context.Context, opts ListOptions) ([]*event.RemoteEvent, error) {
	svc, err := g.calendarService(ctx)
	if err != nil {
		return nil, err
	}
	start, end := syncWindow(opts, g.horizonYears)

	var out []*event.RemoteEvent
	pageToken := ""
	for {
		var resp *calendar.Events
		err := g.limiter.Do(ctx, func() error {
			call := svc.Events.List(g.dest.CalendarID).
				TimeMin(start.Format(time.RFC3339)).
				TimeMax(end.Format(time.RFC3339)).
				SingleEvents(true).
				MaxResults(2500).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Do()
			return g.classify(ctx, callErr)
		})
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}

		for _, item := range resp.Items {
			re, ok := g.toRemoteEvent(item)
			if !ok {
				continue
			}
			out = append(out, re)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

// toRemoteEvent filters one API item down to a system-owned busy block.
func (g *GoogleProvider) toRemoteEvent(item *calendar.Event) (*event.RemoteEvent, bool) {
	parsed, ok := event.ParseUID(item.ICalUID)
	if !ok || parsed.OwnerID != g.dest.UserID {
		return nil, false
	}
	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		// All-day entries are never ours; pushed blocks are always timed.
		return nil, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		g.logger.Warn("skipping event with malformed start", "event_id", item.Id, "error", err)
		return nil, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		g.logger.Warn("skipping event with malformed end", "event_id", item.Id, "error", err)
		return nil, false
	}
	return &event.RemoteEvent{
		DeleteID: item.Id,
		UID:      item.ICalUID,
		Start:    start,
		End:      end,
	}, true
}

// PushEvents imports one anonymized busy block per input event. Results
// come back in input order; a single failure never aborts its siblings
// unless authorization was lost.
func (g *GoogleProvider) PushEvents(ctx context.Context, events []*event.SyncableEvent) ([]PushResult, error) {
	results := make([]PushResult, len(events))

	svc, err := g.calendarService(ctx)
	if err != nil {
		if errors.Is(err, ErrNeedsReauth) {
			for i, ev := range events {
				results[i] = PushResult{EventID: ev.ID, Error: ErrNeedsReauth.Error()}
			}
			return results, nil
		}
		return nil, err
	}

	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev *event.SyncableEvent) {
			defer wg.Done()
			results[i] = g.pushOne(ctx, svc, ev)
		}(i, ev)
	}
	wg.Wait()
	return results, nil
}

func (g *GoogleProvider) pushOne(ctx context.Context, svc *calendar.Service, ev *event.SyncableEvent) PushResult {
	uid := event.GenerateUID(g.dest.UserID, ev)
	res := PushResult{EventID: ev.ID, RemoteUID: uid, ShouldContinue: true}

	if g.NeedsReauth() {
		res.Error = ErrNeedsReauth.Error()
		res.ShouldContinue = false
		return res
	}

	body := &calendar.Event{
		ICalUID: uid,
		Summary: g.summary,
		Start:   &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)},
		// Only the busy window crosses the boundary; titles, descriptions
		// and attendees from the source stay local.
		Transparency: "opaque",
	}
	err := g.limiter.Do(ctx, func() error {
		_, callErr := svc.Events.Import(g.dest.CalendarID, body).Context(ctx).Do()
		return g.classify(ctx, callErr)
	})
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, ErrNeedsReauth) {
			res.ShouldContinue = false
		}
		g.logger.Warn("push failed", "event_id", ev.ID, "error", err)
		return res
	}
	res.Success = true
	return res
}

// DeleteEvents removes pushed events by their API ID. A 404 or 410 counts
// as success: the desired end state is already in place.
func (g *GoogleProvider) DeleteEvents(ctx context.Context, deleteIDs []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, len(deleteIDs))

	svc, err := g.calendarService(ctx)
	if err != nil {
		if errors.Is(err, ErrNeedsReauth) {
			for i, id := range deleteIDs {
				results[i] = DeleteResult{DeleteID: id, Error: ErrNeedsReauth.Error()}
			}
			return results, nil
		}
		return nil, err
	}

	var wg sync.WaitGroup
	for i, id := range deleteIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = g.deleteOne(ctx, svc, id)
		}(i, id)
	}
	wg.Wait()
	return results, nil
}

func (g *GoogleProvider) deleteOne(ctx context.Context, svc *calendar.Service, id string) DeleteResult {
	res := DeleteResult{DeleteID: id, ShouldContinue: true}

	if g.NeedsReauth() {
		res.Error = ErrNeedsReauth.Error()
		res.ShouldContinue = false
		return res
	}

	err := g.limiter.Do(ctx, func() error {
		callErr := svc.Events.Delete(g.dest.CalendarID, id).Context(ctx).Do()
		var gerr *googleapi.Error
		if errors.As(callErr, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return g.classify(ctx, callErr)
	})
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, ErrNeedsReauth) {
			res.ShouldContinue = false
		}
		g.logger.Warn("delete failed", "delete_id", id, "error", err)
		return res
	}
	res.Success = true
	return res
}
