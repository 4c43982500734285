// Package referral works out which referral code currently applies to a
// visitor, from the page address or from the attribution store.
package referral

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/attribution"
	"github.com/gosight/gosight/waitlist/internal/location"
	"github.com/gosight/gosight/waitlist/internal/notify"
)

// DefaultQueryParam is the reserved query parameter carrying a code.
const DefaultQueryParam = "ref"

// Source tells where a Status code came from.
type Source string

const (
	SourceNone   Source = ""
	SourceQuery  Source = "query"
	SourcePath   Source = "path"
	SourceStored Source = "stored"
)

// Status is the resolver's answer. A stale stored code is reported with
// HasReferral set and IsActive cleared.
type Status struct {
	Code        string `json:"code,omitempty"`
	HasReferral bool   `json:"hasReferral"`
	IsActive    bool   `json:"isActive"`
	Source      Source `json:"source,omitempty"`
}

// Resolver evaluates the referral status at page load and again whenever
// notify.ReferralStatusChanged is published.
type Resolver struct {
	store *attribution.Store
	loc   location.Location
	param string

	mu     sync.Mutex
	status Status

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Status)

	unsubscribe func()
}

type Option func(*Resolver)

// WithQueryParam overrides DefaultQueryParam.
func WithQueryParam(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.param = name
		}
	}
}

// NewResolver wires a resolver to its store and location. bus may be nil
// when no external recheck signal is needed.
func NewResolver(store *attribution.Store, loc location.Location, bus *notify.Bus, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		loc:   loc,
		param: DefaultQueryParam,
		subs:  make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if bus != nil {
		r.unsubscribe = bus.Subscribe(notify.ReferralStatusChanged, func(string) {
			r.Recheck()
		})
	}
	return r
}

// Close detaches the resolver from the bus.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Evaluate runs the resolution algorithm against the current location. A
// code found in the address is stored and stripped from the address; a
// query parameter wins over a path segment.
func (r *Resolver) Evaluate() Status {
	r.mu.Lock()
	st := r.evaluate()
	r.status = st
	r.mu.Unlock()

	r.publish(st)
	return st
}

// Recheck re-runs Evaluate. It is idempotent: once an address code has been
// captured and stripped, later runs read the store.
func (r *Resolver) Recheck() Status {
	return r.Evaluate()
}

// Current returns the last evaluated status without re-evaluating.
func (r *Resolver) Current() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ActiveCode returns the code of the last evaluation if it is active.
func (r *Resolver) ActiveCode() string {
	st := r.Current()
	if !st.IsActive {
		return ""
	}
	return st.Code
}

// Subscribe registers fn to receive every evaluation result and returns a
// cancel function.
func (r *Resolver) Subscribe(fn func(Status)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Resolver) publish(st Status) {
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (r *Resolver) evaluate() Status {
	if r.loc != nil {
		if code, src, rewritten := r.detect(r.loc.URL()); code != "" {
			r.store.Set(code)
			r.loc.Replace(rewritten)
			log.Info().Str("code", code).Str("source", string(src)).Msg("Referral code captured")
			return Status{Code: code, HasReferral: true, IsActive: true, Source: src}
		}
	}

	p := r.store.Get()
	if p == nil {
		return Status{}
	}
	// Stale records are reported, not cleared.
	return Status{Code: p.Code, HasReferral: true, IsActive: r.store.Active(*p), Source: SourceStored}
}

// detect finds a code in u and returns the address with the code removed.
func (r *Resolver) detect(u *url.URL) (string, Source, *url.URL) {
	q := u.Query()
	if code := strings.TrimSpace(q.Get(r.param)); code != "" {
		q.Del(r.param)
		out := *u
		out.RawQuery = q.Encode()
		return code, SourceQuery, &out
	}

	if code, ok := pathCode(u.Path); ok {
		out := *u
		out.Path = "/"
		out.RawPath = ""
		return code, SourcePath, &out
	}

	return "", SourceNone, nil
}
