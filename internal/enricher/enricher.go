// Package enricher stamps ingested funnel events with server-side context:
// event id, receive time, parsed user agent and GeoIP location.
package enricher

import (
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/funnel"
)

type Enricher struct {
	geoIP *geoip2.Reader
	now   func() time.Time
}

// NewEnricher opens the GeoIP database at geoIPPath when one is given. A
// missing or unreadable database disables location lookups only.
func NewEnricher(geoIPPath string) *Enricher {
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		r, err := geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, skipping location enrichment")
		} else {
			geoIP = r
		}
	}

	return &Enricher{geoIP: geoIP, now: time.Now}
}

// EnrichedEvent is the message produced to the events topic.
type EnrichedEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	AnonymousID  string         `json:"anonymous_id"`
	UserID       string         `json:"user_id,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	ReferralCode string         `json:"referral_code,omitempty"`
	UTMSource    string         `json:"utm_source,omitempty"`
	UTMMedium    string         `json:"utm_medium,omitempty"`
	UTMCampaign  string         `json:"utm_campaign,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	ServerTimestamp int64  `json:"server_timestamp"`
	Browser         string `json:"browser"`
	BrowserVersion  string `json:"browser_version"`
	OS              string `json:"os"`
	DeviceType      string `json:"device_type"`
	Country         string `json:"country"`
	City            string `json:"city"`
	ClientIP        string `json:"client_ip,omitempty"`
}

// MetadataJSON is the metadata object as a JSON string, "{}" when empty.
func (e *EnrichedEvent) MetadataJSON() string {
	if len(e.Metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (e *Enricher) Enrich(event funnel.Event, userAgentString, clientIP string) *EnrichedEvent {
	serverNow := e.now()
	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	enriched := &EnrichedEvent{
		EventID:         eventID,
		EventType:       string(event.EventType),
		AnonymousID:     event.AnonymousID,
		UserID:          event.UserID,
		ReferralCode:    event.ReferralCode,
		Metadata:        event.Metadata,
		ServerTimestamp: serverNow.UnixMilli(),
	}

	// Client clocks are untrusted; fall back to receive time.
	if ts, err := event.Time(); err == nil {
		enriched.Timestamp = ts.UnixMilli()
	} else {
		enriched.Timestamp = enriched.ServerTimestamp
	}

	if event.UTM != nil {
		enriched.UTMSource = event.UTM.Source
		enriched.UTMMedium = event.UTM.Medium
		enriched.UTMCampaign = event.UTM.Campaign
	}

	// Parse user agent
	if userAgentString != "" {
		ua := useragent.New(userAgentString)
		enriched.Browser, enriched.BrowserVersion = ua.Browser()
		enriched.OS = ua.OS()
		enriched.DeviceType = deviceType(ua)
	}

	// GeoIP lookup
	if e.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				enriched.Country = record.Country.IsoCode
				if name, ok := record.City.Names["en"]; ok {
					enriched.City = name
				}
			}
		}
	}

	enriched.ClientIP = clientIP

	return enriched
}

func deviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
