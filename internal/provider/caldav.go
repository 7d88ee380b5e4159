package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/keeperhq/calkeeper/internal/event"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/store"
)

const icalProductID = "-//calkeeper//EN"

// basicAuthTransport adds basic auth and the client User-Agent to every
// request.
type basicAuthTransport struct {
	Username  string
	Password  string
	UserAgent string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", t.UserAgent)
	return t.Transport.RoundTrip(req)
}

// CalDAVProvider talks to a generic CalDAV server for one destination.
type CalDAVProvider struct {
	dest      *store.Destination
	persister TokenPersister
	limiter   *Limiter
	logger    *loggy.Logger

	caldavClient *caldav.Client
	webdavClient *webdav.Client
	serverURL    string
	summary      string
	horizonYears int

	mu          sync.Mutex
	collection  string // resolved collection path, cached per provider
	needsReauth bool
}

// CalDAVProviderParams carries the dependencies for NewCalDAVProvider.
type CalDAVProviderParams struct {
	Destination  *store.Destination
	Password     string // decrypted
	Persister    TokenPersister
	Limiter      *Limiter
	Timeout      time.Duration
	Summary      string
	HorizonYears int
	UserAgent    string
	Logger       *loggy.Logger
}

func NewCalDAVProvider(p CalDAVProviderParams) (*CalDAVProvider, error) {
	transport := &basicAuthTransport{
		Username:  p.Destination.Username,
		Password:  p.Password,
		UserAgent: p.UserAgent,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: p.Timeout}

	serverURL := strings.TrimSuffix(p.Destination.ServerURL, "/") + "/"
	caldavClient, err := caldav.NewClient(httpClient, serverURL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, serverURL)
	if err != nil {
		return nil, fmt.Errorf("create webdav client: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &CalDAVProvider{
		dest:         p.Destination,
		persister:    p.Persister,
		limiter:      p.Limiter,
		logger:       logger.With("provider", "caldav", "destination_id", p.Destination.ID),
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		serverURL:    serverURL,
		summary:      p.Summary,
		horizonYears: p.HorizonYears,
		needsReauth:  p.Destination.NeedsReauth,
	}, nil
}

func (c *CalDAVProvider) Kind() Kind { return KindCalDAV }

func (c *CalDAVProvider) NeedsReauth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReauth
}

func (c *CalDAVProvider) markNeedsReauth(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.needsReauth {
		c.mu.Unlock()
		return
	}
	c.needsReauth = true
	c.mu.Unlock()

	c.logger.Warn("destination credentials rejected, degrading to no-op", "error", cause)
	if err := c.persister.MarkNeedsReauth(ctx, c.dest.ID); err != nil {
		c.logger.Error("failed to persist needs-reauth flag", "error", err)
	}
}

// go-webdav reports HTTP failures as formatted messages ("HTTP error:
// 404 Not Found ...") without an exported error type, so the status code
// is recovered from the status-line shape. Anchoring on "HTTP" keeps
// digits inside URLs or payloads from reading as a status.
var caldavStatusPattern = regexp.MustCompile(`(?i)\bHTTP (?:error:\s*)?([45]\d\d)\b`)

func statusFromError(err error) int {
	if err == nil {
		return 0
	}
	m := caldavStatusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classify maps a CalDAV error into the limiter's retry taxonomy.
func (c *CalDAVProvider) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch statusFromError(err) {
	case http.StatusUnauthorized:
		c.markNeedsReauth(ctx, err)
		return ErrNeedsReauth
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return MarkTransient(err)
	}
	return err
}

func isNotFound(err error) bool {
	return statusFromError(err) == http.StatusNotFound
}

// resolveCollection returns the calendar collection path, preferring the
// path the server itself advertises over the stored one. Some servers
// rewrite collection URLs; the stored path is only a fallback for servers
// that do not support discovery.
func (c *CalDAVProvider) resolveCollection(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.collection != "" {
		cached := c.collection
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	stored := c.dest.CalendarID
	resolved := stored

	err := c.limiter.Do(ctx, func() error {
		principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return c.classify(ctx, err)
		}
		homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return c.classify(ctx, err)
		}
		calendars, err := c.caldavClient.FindCalendars(ctx, homeSet)
		if err != nil {
			return c.classify(ctx, err)
		}
		for _, cal := range calendars {
			if pathsEqual(cal.Path, stored) || cal.Name == c.dest.Name {
				resolved = cal.Path
				return nil
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNeedsReauth) {
			return "", err
		}
		c.logger.Warn("calendar discovery failed, using stored collection path", "error", err)
	}

	c.mu.Lock()
	c.collection = resolved
	c.mu.Unlock()
	return resolved, nil
}

func pathsEqual(a, b string) bool {
	return strings.Trim(a, "/") == strings.Trim(b, "/")
}

// ListRemoteEvents queries the collection within the sync window and
// returns the events this system owns for this user. Items that fail
// iCalendar parsing are skipped and counted, never fatal.
func (c *CalDAVProvider) ListRemoteEvents(ctx context.Context, opts ListOptions) ([]*event.RemoteEvent, error) {
	if c.NeedsReauth() {
		return nil, ErrNeedsReauth
	}
	collection, err := c.resolveCollection(ctx)
	if err != nil {
		return nil, err
	}
	start, end := syncWindow(opts, c.horizonYears)

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	var objects []caldav.CalendarObject
	err = c.limiter.Do(ctx, func() error {
		var queryErr error
		objects, queryErr = c.caldavClient.QueryCalendar(ctx, collection, query)
		return c.classify(ctx, queryErr)
	})
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var out []*event.RemoteEvent
	malformed := 0
	for _, obj := range objects {
		if obj.Data == nil {
			malformed++
			continue
		}
		for _, ev := range obj.Data.Events() {
			re, ok := c.toRemoteEvent(obj.Path, ev)
			if !ok {
				malformed++
				continue
			}
			if re == nil {
				continue // foreign event
			}
			out = append(out, re)
		}
	}
	if malformed > 0 {
		c.logger.Warn("skipped malformed calendar items", "count", malformed)
	}
	return out, nil
}

// toRemoteEvent returns (nil, true) for well-formed foreign events and
// (nil, false) for malformed ones.
func (c *CalDAVProvider) toRemoteEvent(objPath string, ev ical.Event) (*event.RemoteEvent, bool) {
	uid, err := ev.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, false
	}
	parsed, ok := event.ParseUID(uid)
	if !ok || parsed.OwnerID != c.dest.UserID {
		return nil, true
	}
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, false
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		return nil, false
	}
	return &event.RemoteEvent{
		DeleteID: objPath,
		UID:      uid,
		Start:    start,
		End:      end,
	}, true
}

// PushEvents writes one single-event VCALENDAR object per input event at
// <collection>/<uid>.ics.
func (c *CalDAVProvider) PushEvents(ctx context.Context, events []*event.SyncableEvent) ([]PushResult, error) {
	results := make([]PushResult, len(events))

	collection, err := c.resolveCollection(ctx)
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
			results[i] = c.pushOne(ctx, collection, ev)
		}(i, ev)
	}
	wg.Wait()
	return results, nil
}

func (c *CalDAVProvider) pushOne(ctx context.Context, collection string, ev *event.SyncableEvent) PushResult {
	uid := event.GenerateUID(c.dest.UserID, ev)
	res := PushResult{EventID: ev.ID, RemoteUID: uid, ShouldContinue: true}

	if c.NeedsReauth() {
		res.Error = ErrNeedsReauth.Error()
		res.ShouldContinue = false
		return res
	}

	cal := c.toCalendarObject(uid, ev)
	objPath := path.Join("/", collection, uid+".ics")

	err := c.limiter.Do(ctx, func() error {
		writer, err := c.webdavClient.Create(ctx, objPath)
		if err != nil {
			return c.classify(ctx, err)
		}
		if err := ical.NewEncoder(writer).Encode(cal); err != nil {
			writer.Close()
			return fmt.Errorf("encode calendar object: %w", err)
		}
		return c.classify(ctx, writer.Close())
	})
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, ErrNeedsReauth) {
			res.ShouldContinue = false
		}
		c.logger.Warn("push failed", "event_id", ev.ID, "error", err)
		return res
	}
	res.Success = true
	return res
}

// toCalendarObject builds the anonymized VCALENDAR wrapper for one busy
// block. Source titles and descriptions never cross the boundary.
func (c *CalDAVProvider) toCalendarObject(uid string, ev *event.SyncableEvent) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, c.summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icalProductID)
	cal.Children = append(cal.Children, ve)
	return cal
}

// DeleteEvents removes objects by path. A 404 counts as success.
func (c *CalDAVProvider) DeleteEvents(ctx context.Context, deleteIDs []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, len(deleteIDs))

	var wg sync.WaitGroup
	for i, id := range deleteIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = c.deleteOne(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return results, nil
}

func (c *CalDAVProvider) deleteOne(ctx context.Context, objPath string) DeleteResult {
	res := DeleteResult{DeleteID: objPath, ShouldContinue: true}

	if c.NeedsReauth() {
		res.Error = ErrNeedsReauth.Error()
		res.ShouldContinue = false
		return res
	}

	err := c.limiter.Do(ctx, func() error {
		err := c.webdavClient.RemoveAll(ctx, objPath)
		if isNotFound(err) {
			return nil
		}
		return c.classify(ctx, err)
	})
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, ErrNeedsReauth) {
			res.ShouldContinue = false
		}
		c.logger.Warn("delete failed", "path", objPath, "error", err)
		return res
	}
	res.Success = true
	return res
}
