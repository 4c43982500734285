// Package app composes the attribution core for one visitor: storage,
// resolver, tracker and signup flow sharing a session and a status bus.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/attribution"
	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/location"
	"github.com/gosight/gosight/waitlist/internal/notify"
	"github.com/gosight/gosight/waitlist/internal/referral"
	"github.com/gosight/gosight/waitlist/internal/signup"
	"github.com/gosight/gosight/waitlist/internal/storage"
)

// Backend is the waitlist API as the core uses it.
type Backend interface {
	signup.Joiner
	funnel.Sender
}

type Deps struct {
	Config   *config.Config
	Stores   *Stores
	Location location.Location
	Backend  Backend
	Beacon   funnel.Beacon
	Identity signup.IdentityProvider
}

type Visitor struct {
	Bus      *notify.Bus
	Store    *attribution.Store
	Session  *funnel.Session
	Tracker  *funnel.Tracker
	Resolver *referral.Resolver
	Signup   *signup.Orchestrator
	// Client is set when the visitor was built by Open.
	Client *api.Client

	stores  *Stores
	loc     location.Location
	local   storage.Port
	backend Backend
	unsub   func()
}

// New wires a visitor from already opened dependencies.
func New(d Deps) *Visitor {
	cfg := d.Config
	persistent := storage.WithFallback(d.Stores.Persistent)
	scoped := storage.WithFallback(d.Stores.Scoped)

	v := &Visitor{
		Bus:     notify.NewBus(),
		stores:  d.Stores,
		loc:     d.Location,
		local:   persistent,
		backend: d.Backend,
	}
	v.Store = attribution.NewStore(persistent, attribution.WithTTL(cfg.Referral.TTL))
	v.Session = funnel.NewSession(persistent, scoped)

	trackerOpts := []funnel.Option{
		funnel.WithFlushInterval(cfg.Tracker.FlushInterval),
		funnel.WithMaxAttempts(cfg.Tracker.MaxAttempts),
	}
	if d.Beacon != nil {
		trackerOpts = append(trackerOpts, funnel.WithBeacon(d.Beacon))
	}
	v.Tracker = funnel.NewTracker(v.Session, d.Backend, trackerOpts...)

	v.Resolver = referral.NewResolver(v.Store, d.Location, v.Bus, referral.WithQueryParam(cfg.Referral.QueryParam))
	v.Tracker.SetReferralSource(v.Resolver)
	v.unsub = v.Resolver.Subscribe(v.onStatus)

	signupOpts := []signup.Option{
		signup.WithMaxAttempts(cfg.Signup.MaxAttempts),
		signup.WithRetryDelay(cfg.Signup.RetryDelay),
		signup.WithLocalStore(persistent),
	}
	if d.Identity != nil {
		signupOpts = append(signupOpts, signup.WithIdentityProvider(d.Identity))
	}
	v.Signup = signup.New(d.Backend, v.Resolver, v.Store, v.Tracker, v.Bus, signupOpts...)

	return v
}

// Load is a page load: UTM capture, referral resolution and a page_view.
func (v *Visitor) Load() referral.Status {
	var path string
	if v.loc != nil {
		u := v.loc.URL()
		path = u.Path
		v.Session.CaptureUTM(u.Query())
	}

	st := v.Resolver.Evaluate()
	v.Tracker.Track(funnel.EventPageView, map[string]any{"path": path})
	return st
}

// ClearAll drops the pending referral and any locally kept signup, then
// tells listeners to re-evaluate. The anonymous id and bound identity stay.
func (v *Visitor) ClearAll() {
	v.Store.Clear()
	if err := v.local.Remove(storage.KeyLocalSignup); err != nil {
		log.Warn().Err(err).Msg("Failed to clear local signup record")
	}
	v.Bus.Publish(notify.ReferralStatusChanged)
	log.Info().Msg("Cleared attribution data")
}

// Close stops listening, makes a final awaited flush of queued events and
// closes the stores.
func (v *Visitor) Close(ctx context.Context) error {
	v.unsub()
	v.Resolver.Close()
	flushErr := v.Tracker.Close(ctx)

	if d, ok := v.backend.(interface{ Drain() }); ok {
		d.Drain()
	}
	if err := v.stores.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close stores")
	}
	if flushErr != nil {
		return fmt.Errorf("flushing events on close: %w", flushErr)
	}
	return nil
}

func (v *Visitor) onStatus(st referral.Status) {
	if !st.IsActive || (st.Source != referral.SourceQuery && st.Source != referral.SourcePath) {
		return
	}
	v.Tracker.Track(funnel.EventReferralDetected, map[string]any{
		"code":   st.Code,
		"source": string(st.Source),
	})
}
