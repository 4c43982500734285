package signup

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/attribution"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/location"
	"github.com/gosight/gosight/waitlist/internal/notify"
	"github.com/gosight/gosight/waitlist/internal/referral"
	"github.com/gosight/gosight/waitlist/internal/storage"
)

type reply struct {
	resp *api.JoinResponse
	err  error
}

// scriptedJoiner answers each call with the next reply; the last one
// repeats.
type scriptedJoiner struct {
	mu      sync.Mutex
	replies []reply
	reqs    []api.JoinRequest
	block   chan struct{}
	entered chan struct{}
}

func (j *scriptedJoiner) Join(_ context.Context, req api.JoinRequest) (*api.JoinResponse, error) {
	j.mu.Lock()
	j.reqs = append(j.reqs, req)
	n := len(j.reqs)
	j.mu.Unlock()

	if j.entered != nil {
		j.entered <- struct{}{}
	}
	if j.block != nil {
		<-j.block
	}

	idx := n - 1
	if idx >= len(j.replies) {
		idx = len(j.replies) - 1
	}
	r := j.replies[idx]
	return r.resp, r.err
}

func (j *scriptedJoiner) calls() []api.JoinRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]api.JoinRequest(nil), j.reqs...)
}

type recordingTracker struct {
	mu     sync.Mutex
	userID string
	events []funnel.Event
}

func (r *recordingTracker) Track(eventType funnel.EventType, metadata map[string]any) funnel.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := funnel.Event{EventType: eventType, AnonymousID: "anon-1", UserID: r.userID, Metadata: metadata}
	r.events = append(r.events, ev)
	return ev
}

func (r *recordingTracker) SetUserID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userID != "" {
		return false
	}
	r.userID = id
	return true
}

func (r *recordingTracker) AnonymousID() string { return "anon-1" }

func (r *recordingTracker) types() []funnel.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]funnel.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fixture struct {
	store    *attribution.Store
	resolver *referral.Resolver
	tracker  *recordingTracker
	bus      *notify.Bus
	local    *storage.Memory
	joiner   *scriptedJoiner
	orch     *Orchestrator
}

func newFixture(t *testing.T, rawURL string, replies ...reply) *fixture {
	t.Helper()
	f := &fixture{
		bus:     notify.NewBus(),
		tracker: &recordingTracker{},
		local:   storage.NewMemory(),
		joiner:  &scriptedJoiner{replies: replies},
	}
	f.store = attribution.NewStore(storage.NewMemory())
	loc, err := location.Parse(rawURL)
	require.NoError(t, err)
	f.resolver = referral.NewResolver(f.store, loc, f.bus)
	t.Cleanup(f.resolver.Close)
	f.resolver.Evaluate()

	f.orch = New(f.joiner, f.resolver, f.store, f.tracker, f.bus, WithLocalStore(f.local))
	return f
}

func ok(resp api.JoinResponse) reply { return reply{resp: &resp} }

func fail(err error) reply { return reply{err: err} }

func statusErr(code int, msg string) error {
	return &api.StatusError{Op: "waitlist join", StatusCode: code, Message: msg}
}

func TestJoinRequiresEmail(t *testing.T) {
	f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))

	res, err := f.orch.Join(context.Background(), Request{Email: "   "})
	assert.ErrorIs(t, err, ErrEmailRequired)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, StateIdle, f.orch.State())
	assert.Empty(t, f.joiner.calls())
}

func TestNewSignupConsumesReferral(t *testing.T) {
	f := newFixture(t, "https://site.test/?ref=ABC123",
		ok(api.JoinResponse{Success: true, ReferralCode: "MINE0001", Position: 12}))

	var seen []referral.Status
	f.resolver.Subscribe(func(st referral.Status) { seen = append(seen, st) })

	res, err := f.orch.Join(context.Background(), Request{Email: " user@x.com ", Name: "User"})
	require.NoError(t, err)
	assert.Equal(t, StateSuccessNew, res.State)
	assert.Equal(t, "ABC123", res.ReferralCode)
	assert.False(t, res.LocalFallback)

	reqs := f.joiner.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "user@x.com", reqs[0].Email)
	assert.Equal(t, "ABC123", reqs[0].ReferralCode)
	assert.Equal(t, "anon-1", reqs[0].AnonymousID)

	p := f.store.Get()
	require.NotNil(t, p)
	assert.True(t, p.Consumed)
	assert.Equal(t, "user@x.com", f.tracker.userID)

	// The status signal made the resolver re-evaluate; the banner goes away.
	require.NotEmpty(t, seen)
	assert.False(t, seen[len(seen)-1].IsActive)
	assert.Equal(t, []funnel.EventType{funnel.EventSignupStarted, funnel.EventSignupCompleted}, f.tracker.types())
	assert.Equal(t, StateSuccessNew, f.orch.State())
}

func TestJoinWithoutReferral(t *testing.T) {
	f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateSuccessNew, res.State)
	assert.Empty(t, res.ReferralCode)
	assert.Empty(t, f.joiner.calls()[0].ReferralCode)
	assert.Nil(t, f.store.Get())
}

func TestReturningSignup(t *testing.T) {
	tests := []struct {
		name  string
		reply reply
	}{
		{"is update", ok(api.JoinResponse{Success: true, IsUpdate: true})},
		{"already exists", ok(api.JoinResponse{Success: false, AlreadyExists: true})},
		{"message text", ok(api.JoinResponse{Success: true, Message: "You're already on the waitlist"})},
		{"error text", fail(statusErr(http.StatusConflict, "Email already joined"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "https://site.test/?ref=ABC123", tt.reply)

			res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
			require.NoError(t, err)
			assert.Equal(t, StateSuccessReturning, res.State)
			assert.NoError(t, res.Err)

			p := f.store.Get()
			require.NotNil(t, p)
			assert.True(t, p.Consumed)
			assert.Equal(t, "user@x.com", f.tracker.userID)
		})
	}
}

func TestEmailExistsFlagWins(t *testing.T) {
	f := newFixture(t, "https://site.test/?ref=ABC123",
		ok(api.JoinResponse{Success: true, IsUpdate: true, EmailExists: true}))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateNeedsPassword, res.State)
}

func TestDuplicatePhrasesNeverFail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want State
	}{
		{"generic error", errors.New("AuthApiError: User already registered"), StateNeedsPassword},
		{"server error body", statusErr(http.StatusInternalServerError, "user already exists"), StateNeedsPassword},
		{"conflict", statusErr(http.StatusConflict, "A user with this email address has already been registered"), StateNeedsPassword},
		{"waitlist duplicate", statusErr(http.StatusBadRequest, "already on the waitlist"), StateSuccessReturning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "https://site.test/", fail(tt.err))

			res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.State)
			assert.NotEqual(t, StateFailed, res.State)
			assert.False(t, res.LocalFallback)
			// A recognised duplicate is final even on a 5xx.
			assert.Len(t, f.joiner.calls(), 1)
			assert.NotContains(t, f.tracker.types(), funnel.EventSignupFailed)
		})
	}
}

func TestDisguisedDuplicateKeepsReferral(t *testing.T) {
	f := newFixture(t, "https://site.test/?ref=ABC123",
		fail(errors.New("Something went wrong: already registered")))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateNeedsPassword, res.State)

	p := f.store.Get()
	require.NotNil(t, p)
	assert.False(t, p.Consumed)
	assert.True(t, f.store.IsActive())
	assert.Empty(t, f.tracker.userID)
	assert.Nil(t, f.orch.PendingLocalSignup())
	assert.Equal(t, []funnel.EventType{funnel.EventSignupStarted, funnel.EventSignupNeedsPassword}, f.tracker.types())
}

func TestTransientFailureFallsBackLocally(t *testing.T) {
	f := newFixture(t, "https://site.test/?ref=ABC123", fail(statusErr(http.StatusServiceUnavailable, "")))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com", Name: "User"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.LocalFallback)

	var se *api.StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Len(t, f.joiner.calls(), DefaultMaxAttempts)

	ls := f.orch.PendingLocalSignup()
	require.NotNil(t, ls)
	assert.Equal(t, "user@x.com", ls.Email)
	assert.Equal(t, "ABC123", ls.ReferralCode)
	assert.Equal(t, "anon-1", ls.AnonymousID)

	assert.False(t, f.store.Get().Consumed)
	assert.Empty(t, f.tracker.userID)
	assert.Contains(t, f.tracker.types(), funnel.EventSignupFailed)
}

func TestNonTransientFailureNotRetried(t *testing.T) {
	f := newFixture(t, "https://site.test/", fail(statusErr(http.StatusBadRequest, "invalid email")))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, f.joiner.calls(), 1)
}

func TestRetryRecovers(t *testing.T) {
	f := newFixture(t, "https://site.test/",
		fail(errors.New("dial tcp: connection refused")),
		ok(api.JoinResponse{Success: true}))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateSuccessNew, res.State)
	assert.Len(t, f.joiner.calls(), 2)
}

func TestSuccessRemovesLocalRecord(t *testing.T) {
	f := newFixture(t, "https://site.test/",
		fail(errors.New("network down")),
		fail(errors.New("network down")),
		ok(api.JoinResponse{Success: true}))

	res, err := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.NotNil(t, f.orch.PendingLocalSignup())

	res, err = f.orch.Join(context.Background(), Request{Email: "user@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StateSuccessNew, res.State)
	assert.Nil(t, f.orch.PendingLocalSignup())
}

func TestMalformedLocalRecordIgnored(t *testing.T) {
	f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))
	require.NoError(t, f.local.Set(storage.KeyLocalSignup, "{not json"))
	assert.Nil(t, f.orch.PendingLocalSignup())
}

func TestConcurrentJoinRejected(t *testing.T) {
	f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))
	f.joiner.block = make(chan struct{})
	f.joiner.entered = make(chan struct{}, 1)

	done := make(chan Result, 1)
	go func() {
		res, _ := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
		done <- res
	}()

	select {
	case <-f.joiner.entered:
	case <-time.After(time.Second):
		t.Fatal("join was not submitted")
	}
	assert.Equal(t, StateSubmitting, f.orch.State())

	_, err := f.orch.Join(context.Background(), Request{Email: "other@x.com"})
	assert.ErrorIs(t, err, ErrSubmitting)

	close(f.joiner.block)
	res := <-done
	assert.Equal(t, StateSuccessNew, res.State)
	assert.Len(t, f.joiner.calls(), 1)
}

func TestReferralChangedMidFlightNotConsumed(t *testing.T) {
	f := newFixture(t, "https://site.test/?ref=ABC123", ok(api.JoinResponse{Success: true}))
	f.joiner.block = make(chan struct{})
	f.joiner.entered = make(chan struct{}, 1)

	done := make(chan Result, 1)
	go func() {
		res, _ := f.orch.Join(context.Background(), Request{Email: "user@x.com"})
		done <- res
	}()

	select {
	case <-f.joiner.entered:
	case <-time.After(time.Second):
		t.Fatal("join was not submitted")
	}
	f.store.Set("NEWCODE99")
	close(f.joiner.block)

	res := <-done
	require.Equal(t, StateSuccessNew, res.State)
	assert.Equal(t, "ABC123", res.ReferralCode)
	assert.Equal(t, "ABC123", f.joiner.calls()[0].ReferralCode)

	p := f.store.Get()
	require.NotNil(t, p)
	assert.Equal(t, "NEWCODE99", p.Code)
	assert.False(t, p.Consumed)
}

type fakeIdentity struct {
	signUpErr error
	signInErr error
	calls     []string
}

func (p *fakeIdentity) SignUp(_ context.Context, email, _ string) error {
	p.calls = append(p.calls, "sign_up:"+email)
	return p.signUpErr
}

func (p *fakeIdentity) SignIn(_ context.Context, email, _ string) error {
	p.calls = append(p.calls, "sign_in:"+email)
	return p.signInErr
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name      string
		provider  *fakeIdentity
		want      State
		wantCalls []string
		bound     bool
	}{
		{
			name:      "new account",
			provider:  &fakeIdentity{},
			want:      StateSuccessNew,
			wantCalls: []string{"sign_up:user@x.com"},
			bound:     true,
		},
		{
			name:      "existing account signs in",
			provider:  &fakeIdentity{signUpErr: errors.New("User already registered")},
			want:      StateSuccessReturning,
			wantCalls: []string{"sign_up:user@x.com", "sign_in:user@x.com"},
			bound:     true,
		},
		{
			name:      "wrong password",
			provider:  &fakeIdentity{signUpErr: errors.New("User already registered"), signInErr: errors.New("invalid login credentials")},
			want:      StateFailed,
			wantCalls: []string{"sign_up:user@x.com", "sign_in:user@x.com"},
		},
		{
			name:      "sign up error",
			provider:  &fakeIdentity{signUpErr: errors.New("password too short")},
			want:      StateFailed,
			wantCalls: []string{"sign_up:user@x.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))
			f.orch = New(f.joiner, f.resolver, f.store, f.tracker, f.bus, WithIdentityProvider(tt.provider))

			res, err := f.orch.Authenticate(context.Background(), "user@x.com", "secret")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.State)
			assert.Equal(t, tt.wantCalls, tt.provider.calls)
			if tt.bound {
				assert.Equal(t, "user@x.com", f.tracker.userID)
				assert.Contains(t, f.tracker.types(), funnel.EventSignIn)
			} else {
				assert.Error(t, res.Err)
				assert.Empty(t, f.tracker.userID)
			}
		})
	}
}

func TestAuthenticateWithoutProvider(t *testing.T) {
	f := newFixture(t, "https://site.test/", ok(api.JoinResponse{Success: true}))

	_, err := f.orch.Authenticate(context.Background(), "user@x.com", "secret")
	assert.ErrorIs(t, err, ErrNoIdentityProvider)
	assert.Equal(t, StateIdle, f.orch.State())
}
