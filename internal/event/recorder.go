package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/hitpipe/internal/geo"
	"github.com/onnwee/hitpipe/internal/identity"
	"github.com/onnwee/hitpipe/internal/queue"
	"github.com/onnwee/hitpipe/internal/urlmeta"
)

// ensureTimeout bounds the best-effort identity ensure. Identity rows
// are nice to have at event time; the event insert must not wait on a
// slow identity store.
const ensureTimeout = 2 * time.Second

// Recorder consumes event jobs and writes denormalized rows to the
// event store.
type Recorder struct {
	store   Store
	users   identity.UserRepository
	devices identity.DeviceRepository
	geo     geo.Resolver
	logger  *slog.Logger
}

// NewRecorder creates an event recorder. users and devices may be nil
// when the identity ensure is not wanted; the geo resolver may be nil.
func NewRecorder(
	store Store,
	users identity.UserRepository,
	devices identity.DeviceRepository,
	geoResolver geo.Resolver,
	logger *slog.Logger,
) *Recorder {
	if geoResolver == nil {
		geoResolver = geo.NoopResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		users:   users,
		devices: devices,
		geo:     geoResolver,
		logger:  logger,
	}
}

// Record handles one event job: ensure identity rows exist (bounded,
// best effort), denormalize request facts onto the row, append to the
// store. The store deduplicates redelivered event ids, so Record is
// safe under at-least-once delivery.
func (r *Recorder) Record(ctx context.Context, job queue.EventJob) error {
	r.ensureIdentity(ctx, job)

	fp := identity.ParseFingerprint(job.Headers)
	parts := urlmeta.Parse(job.URL)
	referrer := urlmeta.ClassifyReferrer(headerValue(job.Headers, "Referer"), parts.Origin)

	location, err := r.geo.Resolve(ctx, job.IPAddress)
	if err != nil {
		r.logger.Warn("geo resolution failed",
			"project_id", job.ProjectID, "error", err)
	}

	event := &Event{
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		ID:        job.EventID,
		SessionID: job.SessionID,
		DeviceID:  identity.DeviceID(job.ProjectID, job.UserID, fp),
		ContextID: job.ContextID,

		Name:      job.Name,
		Type:      classify(job.Name),
		CreatedAt: job.CreatedAt,

		Path:   parts.Path,
		Origin: parts.Origin,
		Hash:   parts.Hash,

		Referrer:     referrer.URL,
		ReferrerName: referrer.Name,
		ReferrerType: string(referrer.Type),

		UTMSource:   parts.UTMSource,
		UTMMedium:   parts.UTMMedium,
		UTMCampaign: parts.UTMCampaign,
		UTMTerm:     parts.UTMTerm,
		UTMContent:  parts.UTMContent,

		Country: location.Country,
		Region:  location.Region,
		City:    location.City,

		OSName:     fp.OSName,
		ClientName: fp.ClientName,
		DeviceType: fp.DeviceType,
	}

	if event.Type == TypeCustom {
		event.CustomData = job.CustomData
	}
	event.ScreenWidth = numberFromCustom(job.CustomData, "screen_width")
	event.Duration = numberFromCustom(job.CustomData, "duration")

	if err := r.store.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ensureIdentity creates missing user and device rows under a short
// timeout. Failures are logged, never returned: a missing identity row
// must not cost us the event.
func (r *Recorder) ensureIdentity(ctx context.Context, job queue.EventJob) {
	if r.users == nil && r.devices == nil {
		return
	}
	ensureCtx, cancel := context.WithTimeout(ctx, ensureTimeout)
	defer cancel()

	if r.users != nil {
		_, err := r.users.CreateIfAbsent(ensureCtx, &identity.User{
			ProjectID:   job.ProjectID,
			ID:          job.UserID,
			Identifier:  job.ReqIdentifier,
			DisplayName: job.ReqDisplayName,
			CreatedAt:   job.CreatedAt,
			UpdatedAt:   job.CreatedAt,
		})
		if err != nil {
			r.logger.Warn("best-effort user ensure failed",
				"project_id", job.ProjectID, "user_id", job.UserID, "error", err)
		}
	}
	if r.devices != nil && len(job.Headers) > 0 {
		fp := identity.ParseFingerprint(job.Headers)
		_, err := r.devices.CreateIfAbsent(ensureCtx, &identity.Device{
			ProjectID:     job.ProjectID,
			UserID:        job.UserID,
			ID:            identity.DeviceID(job.ProjectID, job.UserID, fp),
			OSName:        fp.OSName,
			OSVersion:     fp.OSVersion,
			ClientName:    fp.ClientName,
			ClientVersion: fp.ClientVersion,
			ClientType:    fp.ClientType,
			DeviceType:    fp.DeviceType,
		})
		if err != nil {
			r.logger.Warn("best-effort device ensure failed",
				"project_id", job.ProjectID, "user_id", job.UserID, "error", err)
		}
	}
}

// classify buckets an event name into pageview or custom.
func classify(name string) string {
	if name == PageViewName {
		return TypePageView
	}
	return TypeCustom
}

func headerValue(headers map[string][]string, key string) string {
	for k, vs := range headers {
		if len(vs) > 0 && (k == key || k == "referer" && key == "Referer") {
			return vs[0]
		}
	}
	return ""
}

func numberFromCustom(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
