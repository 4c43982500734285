package enricher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosight/gosight/waitlist/internal/funnel"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestEnrichCopiesEventFields(t *testing.T) {
	e := NewEnricher("")
	defer e.Close()

	ev := funnel.Event{
		EventType:    funnel.EventSignupCompleted,
		AnonymousID:  "anon-1",
		UserID:       "user@x.com",
		Timestamp:    "2026-05-01T09:00:00.000Z",
		ReferralCode: "ABC123",
		UTM:          &funnel.UTM{Source: "news", Campaign: "launch"},
		Metadata:     map[string]any{"position": 3},
	}
	got := e.Enrich(ev, chromeUA, "203.0.113.7")

	assert.NotEmpty(t, got.EventID)
	assert.Equal(t, "signup_completed", got.EventType)
	assert.Equal(t, "anon-1", got.AnonymousID)
	assert.Equal(t, "ABC123", got.ReferralCode)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC).UnixMilli(), got.Timestamp)
	assert.Equal(t, "news", got.UTMSource)
	assert.Equal(t, "launch", got.UTMCampaign)
	assert.Equal(t, "Chrome", got.Browser)
	assert.Equal(t, "desktop", got.DeviceType)
	assert.Equal(t, "203.0.113.7", got.ClientIP)
	assert.Empty(t, got.Country)
	assert.JSONEq(t, `{"position":3}`, got.MetadataJSON())
}

func TestEnrichBadTimestampUsesReceiveTime(t *testing.T) {
	e := NewEnricher("")
	received := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return received }

	got := e.Enrich(funnel.Event{EventType: funnel.EventPageView, Timestamp: "yesterday"}, "", "")
	assert.Equal(t, received.UnixMilli(), got.Timestamp)
	assert.Equal(t, received.UnixMilli(), got.ServerTimestamp)
	assert.Equal(t, "{}", got.MetadataJSON())
}

func TestMissingGeoIPDatabase(t *testing.T) {
	e := NewEnricher("/nonexistent/GeoLite2-City.mmdb")
	defer e.Close()
	assert.Nil(t, e.geoIP)
}

func TestEnrichKeepsClientEventID(t *testing.T) {
	e := NewEnricher("")
	ev := funnel.Event{EventID: "evt-1", EventType: funnel.EventPageView, AnonymousID: "anon-1"}

	first := e.Enrich(ev, "", "")
	resent := e.Enrich(ev, "", "")
	assert.Equal(t, "evt-1", first.EventID)
	assert.Equal(t, first.EventID, resent.EventID)
}
