// Package signup runs the waitlist join flow: it snapshots the active
// referral, submits the join with retries, classifies the reply and applies
// its side effects to attribution and the funnel session.
package signup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/attribution"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/notify"
	"github.com/gosight/gosight/waitlist/internal/referral"
	"github.com/gosight/gosight/waitlist/internal/retry"
	"github.com/gosight/gosight/waitlist/internal/storage"
)

const DefaultMaxAttempts = 2

var (
	ErrEmailRequired      = errors.New("email is required")
	ErrSubmitting         = errors.New("a signup is already being submitted")
	ErrNoIdentityProvider = errors.New("no identity provider configured")
)

type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateSuccessNew
	StateSuccessReturning
	StateNeedsPassword
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateSuccessNew:
		return "success_new"
	case StateSuccessReturning:
		return "success_returning"
	case StateNeedsPassword:
		return "needs_password"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Success reports whether s is a completed enrollment.
func (s State) Success() bool {
	return s == StateSuccessNew || s == StateSuccessReturning
}

type Request struct {
	Email string
	Name  string
}

// Result is the outcome of one submission. Err is set only for Failed.
type Result struct {
	State        State
	Response     *api.JoinResponse
	ReferralCode string
	Err          error
	// LocalFallback is true when the signup was kept locally because the
	// backend could not be reached.
	LocalFallback bool
}

// LocalSignup is the record kept when a join could not be delivered.
type LocalSignup struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referralCode,omitempty"`
	AnonymousID  string `json:"anonymousId"`
	CreatedAtMs  int64  `json:"createdAtMs"`
}

// Joiner submits a waitlist join.
type Joiner interface {
	Join(ctx context.Context, req api.JoinRequest) (*api.JoinResponse, error)
}

// Referrals yields the referral status at submission time.
type Referrals interface {
	Recheck() referral.Status
}

// Tracker is the part of the funnel tracker the flow drives.
type Tracker interface {
	Track(eventType funnel.EventType, metadata map[string]any) funnel.Event
	SetUserID(id string) bool
	AnonymousID() string
}

// IdentityProvider is the account system behind the NeedsPassword path.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) error
}

type Orchestrator struct {
	joiner    Joiner
	referrals Referrals
	store     *attribution.Store
	tracker   Tracker
	bus       *notify.Bus
	local     storage.Port
	identity  IdentityProvider
	attempts  int
	delay     time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state State
}

type Option func(*Orchestrator)

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithRetryDelay waits d between join attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.delay = d }
}

func WithIdentityProvider(p IdentityProvider) Option {
	return func(o *Orchestrator) { o.identity = p }
}

// WithLocalStore sets where undeliverable signups are kept. The default is
// process memory.
func WithLocalStore(p storage.Port) Option {
	return func(o *Orchestrator) { o.local = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(joiner Joiner, referrals Referrals, store *attribution.Store, tracker Tracker, bus *notify.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		joiner:    joiner,
		referrals: referrals,
		store:     store,
		tracker:   tracker,
		bus:       bus,
		attempts:  DefaultMaxAttempts,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.local == nil {
		o.local = storage.NewMemory()
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Join submits req. Validation and concurrency errors are returned directly
// and leave the state unchanged; every submission outcome, including
// transport failure, is reported through Result.
func (o *Orchestrator) Join(ctx context.Context, req Request) (Result, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return Result{State: o.State()}, ErrEmailRequired
	}
	if err := o.begin(); err != nil {
		return Result{State: StateSubmitting}, err
	}

	code := ""
	if o.referrals != nil {
		if st := o.referrals.Recheck(); st.IsActive {
			code = st.Code
		}
	}

	o.tracker.Track(funnel.EventSignupStarted, map[string]any{"hasReferral": code != ""})

	joinReq := api.JoinRequest{
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		ReferralCode: code,
		AnonymousID:  o.tracker.AnonymousID(),
	}
	resp, err := retry.Do(ctx, o.attempts, func(ctx context.Context, attempt int) (*api.JoinResponse, error) {
		resp, err := o.joiner.Join(ctx, joinReq)
		if err != nil && (classifyErr(err) != OutcomeUnknown || !api.IsTransient(err)) {
			return nil, retry.Stop(err)
		}
		return resp, err
	}, retry.WithName("waitlist.join"), retry.WithBackOff(o.newBackOff))

	res := Result{Response: resp, ReferralCode: code}
	res.State, res.Err = classify(resp, err)

	switch {
	case res.State.Success():
		o.completed(email, res)
	case res.State == StateNeedsPassword:
		o.tracker.Track(funnel.EventSignupNeedsPassword, map[string]any{"hasReferral": code != ""})
		log.Info().Str("email", email).Msg("Email has an account, authentication required")
	default:
		res.LocalFallback = o.keepLocal(joinReq)
		o.tracker.Track(funnel.EventSignupFailed, map[string]any{"error": res.Err.Error()})
		log.Warn().Err(res.Err).Str("email", email).Bool("local_fallback", res.LocalFallback).Msg("Signup failed")
	}

	o.finish(res.State)
	return res, nil
}

// Authenticate is the follow-up to NeedsPassword: it creates the identity
// account, or signs in when the account already exists, and binds the
// session to it.
func (o *Orchestrator) Authenticate(ctx context.Context, email, password string) (Result, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Result{State: o.State()}, ErrEmailRequired
	}
	if o.identity == nil {
		return Result{State: o.State()}, ErrNoIdentityProvider
	}
	if err := o.begin(); err != nil {
		return Result{State: StateSubmitting}, err
	}

	res := Result{State: StateSuccessNew}
	method := "sign_up"
	err := o.identity.SignUp(ctx, email, password)
	if err != nil && classifyErr(err) != OutcomeUnknown {
		res.State = StateSuccessReturning
		method = "sign_in"
		err = o.identity.SignIn(ctx, email, password)
	}

	if err != nil {
		res.State = StateFailed
		res.Err = err
		log.Warn().Err(err).Str("email", email).Str("method", method).Msg("Authentication failed")
	} else {
		o.tracker.SetUserID(email)
		o.tracker.Track(funnel.EventSignIn, map[string]any{"method": method})
		if o.bus != nil {
			o.bus.Publish(notify.ReferralStatusChanged)
		}
	}

	o.finish(res.State)
	return res, nil
}

// PendingLocalSignup returns the signup kept locally after a failed
// submission, if any.
func (o *Orchestrator) PendingLocalSignup() *LocalSignup {
	raw, ok, err := o.local.Get(storage.KeyLocalSignup)
	if err != nil || !ok || raw == "" {
		return nil
	}
	var ls LocalSignup
	if err := json.Unmarshal([]byte(raw), &ls); err != nil || ls.Email == "" {
		log.Warn().Err(err).Msg("Ignoring malformed local signup record")
		return nil
	}
	return &ls
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateSubmitting {
		return ErrSubmitting
	}
	o.state = StateSubmitting
	return nil
}

func (o *Orchestrator) finish(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	if o.delay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return backoff.NewConstantBackOff(o.delay)
}

// completed applies a successful enrollment: the referral is spent, the
// session is bound to the email and listeners re-evaluate.
func (o *Orchestrator) completed(email string, res Result) {
	if res.ReferralCode != "" && !o.store.MarkConsumedIf(res.ReferralCode) {
		log.Info().Str("referral_code", res.ReferralCode).Msg("Referral changed during signup, keeping the new code")
	}
	o.tracker.SetUserID(email)
	if err := o.local.Remove(storage.KeyLocalSignup); err != nil {
		log.Warn().Err(err).Msg("Failed to remove local signup record")
	}
	if o.bus != nil {
		o.bus.Publish(notify.ReferralStatusChanged)
	}

	meta := map[string]any{
		"returning":    res.State == StateSuccessReturning,
		"referralCode": res.ReferralCode,
	}
	if res.Response != nil {
		meta["position"] = res.Response.Position
	}
	o.tracker.Track(funnel.EventSignupCompleted, meta)
	log.Info().Str("email", email).Str("state", res.State.String()).Str("referral_code", res.ReferralCode).Msg("Signup completed")
}

func (o *Orchestrator) keepLocal(req api.JoinRequest) bool {
	data, err := json.Marshal(LocalSignup{
		Email:        req.Email,
		Name:         req.Name,
		ReferralCode: req.ReferralCode,
		AnonymousID:  req.AnonymousID,
		CreatedAtMs:  o.now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	if err := o.local.Set(storage.KeyLocalSignup, string(data)); err != nil {
		log.Error().Err(err).Msg("Failed to keep local signup record")
		return false
	}
	return true
}

// classify maps a join reply to a terminal state. Explicit flags win over
// message text; text that matches a known duplicate phrase is never a
// failure.
func classify(resp *api.JoinResponse, err error) (State, error) {
	if err != nil {
		switch classifyErr(err) {
		case OutcomeAccountExists:
			return StateNeedsPassword, nil
		case OutcomeOnWaitlist:
			return StateSuccessReturning, nil
		}
		return StateFailed, err
	}
	if resp == nil {
		return StateFailed, api.ErrMalformedResponse
	}

	switch {
	case resp.EmailExists:
		return StateNeedsPassword, nil
	case resp.IsUpdate || resp.AlreadyExists:
		return StateSuccessReturning, nil
	}
	switch Classify(resp.Message) {
	case OutcomeAccountExists:
		return StateNeedsPassword, nil
	case OutcomeOnWaitlist:
		return StateSuccessReturning, nil
	}
	return StateSuccessNew, nil
}
