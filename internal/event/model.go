// Package event records tracking events into the append-only analytics
// store. Rows are denormalized at write time so the read path never
// joins back to identity tables.
package event

import (
	"time"

	"github.com/onnwee/hitpipe/internal/filter"
)

// Event types. A pageview is any event named "screen_view"; everything
// else is a custom event.
const (
	TypePageView = "pageview"
	TypeCustom   = "custom"

	// PageViewName is the reserved event name clients send for pageviews.
	PageViewName = "screen_view"
)

// Event is one recorded hit, denormalized with the URL, referrer,
// device and geo facts filters match against.
type Event struct {
	ProjectID string
	UserID    string
	ID        string
	SessionID string
	DeviceID  string
	ContextID string

	Name      string
	Type      string
	CreatedAt time.Time

	Path   string
	Origin string
	Hash   string

	Referrer     string
	ReferrerName string
	ReferrerType string

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMTerm     string
	UTMContent  string

	Country string
	Region  string
	City    string

	OSName      string
	ClientName  string
	DeviceType  string
	ScreenWidth float64
	Duration    float64

	CustomData map[string]any
}

// Facts projects the event onto the fields the filter engine matches.
func (e *Event) Facts() filter.Facts {
	return filter.Facts{
		Strings: map[filter.Field]string{
			filter.FieldPath:         e.Path,
			filter.FieldOrigin:       e.Origin,
			filter.FieldHash:         e.Hash,
			filter.FieldEventName:    e.Name,
			filter.FieldReferrer:     e.Referrer,
			filter.FieldReferrerName: e.ReferrerName,
			filter.FieldUTMSource:    e.UTMSource,
			filter.FieldUTMMedium:    e.UTMMedium,
			filter.FieldUTMCampaign:  e.UTMCampaign,
			filter.FieldUTMTerm:      e.UTMTerm,
			filter.FieldUTMContent:   e.UTMContent,
			filter.FieldCountry:      e.Country,
			filter.FieldReferrerType: e.ReferrerType,
			filter.FieldBrowser:      e.ClientName,
			filter.FieldDevice:       e.DeviceType,
			filter.FieldOS:           e.OSName,
		},
		Numbers: numberFacts(e),
	}
}

func numberFacts(e *Event) map[filter.Field]float64 {
	nums := make(map[filter.Field]float64, 2)
	if e.Duration > 0 {
		nums[filter.FieldDuration] = e.Duration
	}
	if e.ScreenWidth > 0 {
		nums[filter.FieldScreenWidth] = e.ScreenWidth
	}
	return nums
}
