// Package funnel records marketing funnel events against an anonymous
// session and delivers them to the event-ingest endpoint in batches.
package funnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/retry"
)

const (
	DefaultFlushInterval = 3 * time.Second
	DefaultMaxAttempts   = 3
)

// Sender delivers one batch and reports success or failure.
type Sender interface {
	SendEvents(ctx context.Context, events []Event) error
}

// Beacon hands a batch to a delivery mode that survives page teardown. It
// must not block on the response; false means the batch was not accepted.
type Beacon interface {
	SendBeacon(events []Event) bool
}

// ReferralSource supplies the currently active referral code, if any.
type ReferralSource interface {
	ActiveCode() string
}

// Tracker queues events and flushes them on a timer armed by the first event
// after each flush. At most one flush is in flight; a failed batch goes back
// to the front of the queue whole.
type Tracker struct {
	session  *Session
	sender   Sender
	beacon   Beacon
	referral ReferralSource
	interval time.Duration
	attempts int
	now      func() time.Time

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []Event
	timer    *time.Timer
	inFlight bool
	closed   bool
}

type Option func(*Tracker)

func WithBeacon(b Beacon) Option {
	return func(t *Tracker) { t.beacon = b }
}

func WithReferralSource(r ReferralSource) Option {
	return func(t *Tracker) { t.referral = r }
}

func WithFlushInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.attempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(session *Session, sender Sender, opts ...Option) *Tracker {
	t := &Tracker{
		session:  session,
		sender:   sender,
		interval: DefaultFlushInterval,
		attempts: DefaultMaxAttempts,
		now:      time.Now,
	}
	t.idle = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Session returns the session the tracker stamps events with.
func (t *Tracker) Session() *Session {
	return t.session
}

// SetReferralSource attaches the referral source after construction, for
// wiring orders where the resolver is built later.
func (t *Tracker) SetReferralSource(r ReferralSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.referral = r
}

// Track builds an event from the current session state and queues it.
func (t *Tracker) Track(eventType EventType, metadata map[string]any) Event {
	t.mu.Lock()
	referral := t.referral
	t.mu.Unlock()

	ev := Event{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		AnonymousID: t.session.AnonymousID(),
		UserID:      t.session.UserID(),
		Timestamp:   t.now().UTC().Format(TimestampLayout),
		UTM:         t.session.UTM(),
	}
	if referral != nil {
		ev.ReferralCode = referral.ActiveCode()
	}
	if len(metadata) > 0 {
		ev.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			ev.Metadata[k] = v
		}
	}

	t.mu.Lock()
	t.queue = append(t.queue, ev)
	t.armLocked()
	t.mu.Unlock()

	return ev
}

// AnonymousID is the session's installation id.
func (t *Tracker) AnonymousID() string {
	return t.session.AnonymousID()
}

// SetUserID binds the session to id for all later events. The first bind
// wins.
func (t *Tracker) SetUserID(id string) bool {
	return t.session.BindUser(id)
}

// Pending returns a copy of the queued, undelivered events.
func (t *Tracker) Pending() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.queue...)
}

// Flush delivers everything queued as one batch. When a flush is already in
// flight it returns immediately; the running flush re-arms the timer for
// anything queued meanwhile.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.flush(ctx, false)
}

// flush sends the queue as one batch. Timer flushes stand down once Close
// has started, so Close either waits for them or runs the final send itself.
func (t *Tracker) flush(ctx context.Context, fromTimer bool) error {
	t.mu.Lock()
	if (fromTimer && t.closed) || t.inFlight || len(t.queue) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.queue
	t.queue = nil
	t.inFlight = true
	t.mu.Unlock()

	_, err := retry.Do(ctx, t.attempts, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, t.sender.SendEvents(ctx, batch)
	}, retry.WithName("events.flush"))

	t.mu.Lock()
	t.inFlight = false
	if err != nil {
		t.requeueLocked(batch)
	}
	t.armLocked()
	t.idle.Broadcast()
	queued := len(t.queue)
	t.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Int("count", len(batch)).Int("queued", queued).Msg("Failed to flush events, re-queued")
		return err
	}
	log.Debug().Int("count", len(batch)).Msg("Flushed events")
	return nil
}

// FlushBeacon is the page-hidden/unload path: every queued event is handed
// to the beacon without waiting for delivery. Events the beacon refuses are
// re-queued.
func (t *Tracker) FlushBeacon() bool {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return true
	}
	batch := t.queue
	t.queue = nil
	beacon := t.beacon
	t.mu.Unlock()

	if beacon != nil && beacon.SendBeacon(batch) {
		log.Debug().Int("count", len(batch)).Msg("Handed events to beacon")
		return true
	}

	t.mu.Lock()
	t.requeueLocked(batch)
	t.mu.Unlock()
	log.Warn().Int("count", len(batch)).Msg("Beacon refused events, re-queued")
	return false
}

// Close stops the flush timer, waits for an in-flight flush and makes a
// final awaited flush attempt.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	for t.inFlight {
		t.idle.Wait()
	}
	t.mu.Unlock()

	return t.Flush(ctx)
}

func (t *Tracker) armLocked() {
	if t.closed || t.timer != nil || t.inFlight || len(t.queue) == 0 {
		return
	}
	t.timer = time.AfterFunc(t.interval, t.onTimer)
}

func (t *Tracker) onTimer() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()

	// Errors are logged by flush; tracking failures never reach the user.
	_ = t.flush(context.Background(), true)
}

// requeueLocked puts batch ahead of anything queued since it was taken.
func (t *Tracker) requeueLocked(batch []Event) {
	merged := make([]Event, 0, len(batch)+len(t.queue))
	merged = append(merged, batch...)
	merged = append(merged, t.queue...)
	t.queue = merged
}
