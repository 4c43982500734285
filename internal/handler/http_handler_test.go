package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/enricher"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/ratelimit"
	"github.com/gosight/gosight/waitlist/internal/waitlist"
)

type capturePublisher struct {
	mu     sync.Mutex
	fail    bool
	failKey string
	keys    []string
	events []*enricher.EnrichedEvent
}

func (p *capturePublisher) ProduceEvent(_ context.Context, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || (p.failKey != "" && key == p.failKey) {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.events = append(p.events, event.(*enricher.EnrichedEvent))
	return nil
}

func (p *capturePublisher) captured() ([]string, []*enricher.EnrichedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...), append([]*enricher.EnrichedEvent(nil), p.events...)
}

func (p *capturePublisher) setFailKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failKey = key
}

func (p *capturePublisher) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

type staticCounter map[string]int64

func (c staticCounter) Counts(context.Context, string) (map[string]int64, error) {
	return c, nil
}

type backend struct {
	srv       *httptest.Server
	client    *api.Client
	publisher *capturePublisher
	repo      *waitlist.Memory
}

func newBackend(t *testing.T, opts ...Option) *backend {
	t.Helper()
	b := &backend{publisher: &capturePublisher{}, repo: waitlist.NewMemory()}
	h := NewHTTPHandler(b.repo, waitlist.NewAccounts([]string{"known@x.com"}), b.publisher, enricher.NewEnricher(""), opts...)
	b.srv = httptest.NewServer(h.Router())
	t.Cleanup(b.srv.Close)
	b.client = api.NewClient(b.srv.URL, time.Second)
	return b
}

func TestJoinNewAndReturning(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	first, err := b.client.Join(ctx, api.JoinRequest{Email: "a@x.com", Name: "A"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.IsUpdate)
	assert.Equal(t, 1, first.Position)
	assert.NotEmpty(t, first.ReferralCode)

	referred, err := b.client.Join(ctx, api.JoinRequest{Email: "b@x.com", ReferralCode: first.ReferralCode})
	require.NoError(t, err)
	assert.Equal(t, 2, referred.TotalWaitlist)

	again, err := b.client.Join(ctx, api.JoinRequest{Email: "A@x.com"})
	require.NoError(t, err)
	assert.True(t, again.IsUpdate)
	assert.True(t, again.AlreadyExists)
	assert.Equal(t, first.ReferralCode, again.ReferralCode)

	stats, err := b.client.ReferralStats(ctx, first.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Referrals)
	assert.Equal(t, 2, stats.TotalWaitlist)
}

func TestJoinKnownIdentityReportsEmailExists(t *testing.T) {
	b := newBackend(t)

	resp, err := b.client.Join(context.Background(), api.JoinRequest{Email: "Known@x.com"})
	require.NoError(t, err)
	assert.True(t, resp.EmailExists)
}

func TestJoinValidation(t *testing.T) {
	b := newBackend(t)

	_, err := b.client.Join(context.Background(), api.JoinRequest{Email: "  "})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "email is required", se.Message)

	resp, err := http.Post(b.srv.URL+"/api/waitlist/join", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsEnrichedAndForwarded(t *testing.T) {
	b := newBackend(t)

	events := []funnel.Event{
		{EventType: funnel.EventPageView, AnonymousID: "anon-1", Timestamp: "2026-05-01T09:00:00.000Z", ReferralCode: "ABC123"},
		{EventType: funnel.EventCTAClick, AnonymousID: "anon-1"},
	}
	require.NoError(t, b.client.SendEvents(context.Background(), events))

	keys, got := b.publisher.captured()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"anon-1", "anon-1"}, keys)
	assert.Equal(t, "page_view", got[0].EventType)
	assert.Equal(t, "ABC123", got[0].ReferralCode)
	assert.NotEmpty(t, got[0].EventID)
	assert.Equal(t, "127.0.0.1", got[0].ClientIP)
}

func TestEventsInvalidRejectedIndividually(t *testing.T) {
	b := newBackend(t)

	err := b.client.SendEvents(context.Background(), []funnel.Event{
		{EventType: funnel.EventPageView},
		{EventType: funnel.EventPageView, AnonymousID: "anon-1"},
	})
	require.NoError(t, err)
	_, got := b.publisher.captured()
	assert.Len(t, got, 1)
}

func TestEventsDownstreamFailureIsRetryable(t *testing.T) {
	b := newBackend(t)
	b.publisher.setFail(true)

	err := b.client.SendEvents(context.Background(), []funnel.Event{{EventType: funnel.EventPageView, AnonymousID: "anon-1"}})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, api.IsTransient(err))
}

func TestEventsPartialFailureResendKeepsEventIDs(t *testing.T) {
	b := newBackend(t)
	b.publisher.setFailKey("anon-2")

	body := `{"events":[
		{"eventId":"evt-1","eventType":"page_view","anonymousId":"anon-1"},
		{"eventId":"evt-2","eventType":"cta_click","anonymousId":"anon-2"}]}`
	resp, err := http.Post(b.srv.URL+"/api/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.EventResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, out.AcceptedCount)
	assert.Equal(t, 1, out.RejectedCount)

	b.publisher.setFailKey("")
	require.NoError(t, b.client.SendEvents(context.Background(), []funnel.Event{
		{EventID: "evt-1", EventType: funnel.EventPageView, AnonymousID: "anon-1"},
		{EventID: "evt-2", EventType: funnel.EventCTAClick, AnonymousID: "anon-2"},
	}))

	_, got := b.publisher.captured()
	require.Len(t, got, 3)
	assert.Equal(t, "evt-1", got[0].EventID)
	assert.Equal(t, "evt-1", got[1].EventID)
	assert.Equal(t, "evt-2", got[2].EventID)
}

func TestStatsUnknownCodeAndFunnel(t *testing.T) {
	b := newBackend(t, WithFunnelCounter(staticCounter{"page_view": 7, "signup_completed": 2}))
	ctx := context.Background()

	_, err := b.client.ReferralStats(ctx, "NOPE0000")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	joined, err := b.client.Join(ctx, api.JoinRequest{Email: "a@x.com"})
	require.NoError(t, err)
	stats, err := b.client.ReferralStats(ctx, joined.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Funnel["page_view"])
}

func TestIdentityRoutes(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	err := b.client.SignUp(ctx, "known@x.com", "pw")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Contains(t, se.Message, "already registered")

	require.NoError(t, b.client.SignIn(ctx, "known@x.com", "pw"))
	require.NoError(t, b.client.SignUp(ctx, "new@x.com", "pw"))

	err = b.client.SignIn(ctx, "new@x.com", "wrong")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestRateLimited(t *testing.T) {
	b := newBackend(t, WithLimiter(ratelimit.NewMemory(1)))
	ctx := context.Background()

	// Two calls inside the same second; a window boundary between them
	// would let the second through, so retry once on that edge.
	for attempt := 0; attempt < 2; attempt++ {
		_, err1 := b.client.Join(ctx, api.JoinRequest{Email: "a@x.com"})
		_, err2 := b.client.Join(ctx, api.JoinRequest{Email: "a@x.com"})
		if err1 == nil && err2 != nil {
			var se *api.StatusError
			require.ErrorAs(t, err2, &se)
			assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
			return
		}
		time.Sleep(time.Second)
	}
	t.Fatal("second request inside one window was not limited")
}

func TestHealthAndCORS(t *testing.T) {
	b := newBackend(t)

	resp, err := http.Get(b.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, b.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
