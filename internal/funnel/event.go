package funnel

import "time"

// EventType names a funnel step.
type EventType string

const (
	EventPageView            EventType = "page_view"
	EventReferralDetected    EventType = "referral_detected"
	EventCTAClick            EventType = "cta_click"
	EventSignupStarted       EventType = "signup_started"
	EventSignupCompleted     EventType = "signup_completed"
	EventSignupNeedsPassword EventType = "signup_needs_password"
	EventSignupFailed        EventType = "signup_failed"
	EventSignIn              EventType = "sign_in"
	EventReferralShared      EventType = "referral_shared"
	EventReferralLinkCopied  EventType = "referral_link_copied"
)

// TimestampLayout is the wire format of Event.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// UTM holds first-touch campaign parameters.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

func (u UTM) IsZero() bool {
	return u.Source == "" && u.Medium == "" && u.Campaign == ""
}

// Event is a single funnel step. Events are never mutated after Track
// returns them.
type Event struct {
	// EventID is stamped at Track time and survives re-sends, so the
	// ingest side can drop duplicates.
	EventID      string         `json:"eventId,omitempty"`
	EventType    EventType      `json:"eventType"`
	AnonymousID  string         `json:"anonymousId"`
	UserID       string         `json:"userId,omitempty"`
	Timestamp    string         `json:"timestamp"`
	ReferralCode string         `json:"referralCode,omitempty"`
	UTM          *UTM           `json:"utm,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Time parses Timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, e.Timestamp)
}
