package processor

import (
	"errors"
	"time"

	"github.com/gosight/gosight/waitlist/internal/enricher"
	"github.com/gosight/gosight/waitlist/internal/warehouse"
)

var ErrInvalidEvent = errors.New("event is missing id, type or anonymous id")

// TransformEvent maps an enriched event from the events topic to a
// warehouse row.
func TransformEvent(e *enricher.EnrichedEvent) (warehouse.FunnelEventRow, error) {
	if e == nil || e.EventID == "" || e.EventType == "" || e.AnonymousID == "" {
		return warehouse.FunnelEventRow{}, ErrInvalidEvent
	}

	row := warehouse.FunnelEventRow{
		EventID:        e.EventID,
		EventType:      e.EventType,
		AnonymousID:    e.AnonymousID,
		UserID:         e.UserID,
		Timestamp:      time.UnixMilli(e.Timestamp).UTC(),
		ServerTime:     time.UnixMilli(e.ServerTimestamp).UTC(),
		ReferralCode:   e.ReferralCode,
		UTMSource:      e.UTMSource,
		UTMMedium:      e.UTMMedium,
		UTMCampaign:    e.UTMCampaign,
		Browser:        e.Browser,
		BrowserVersion: e.BrowserVersion,
		OS:             e.OS,
		DeviceType:     e.DeviceType,
		Country:        e.Country,
		City:           e.City,
		Metadata:       e.MetadataJSON(),
	}
	if e.Timestamp == 0 {
		row.Timestamp = row.ServerTime
	}
	return row, nil
}
