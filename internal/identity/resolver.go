package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/hitpipe/internal/geo"
	"github.com/onnwee/hitpipe/internal/queue"
	"github.com/onnwee/hitpipe/internal/urlmeta"
)

// Resolver handler errors.
var (
	// ErrExtendBeforeCreate is returned when an extend job arrives for a
	// session that does not exist yet: out-of-order delivery of the
	// create. The job is retried, since redelivery usually resolves the
	// race once the create lands.
	ErrExtendBeforeCreate = errors.New("extend for unknown session, create not yet applied")
)

// EventReassigner reassigns stored events during a user merge. The event
// store implements this; it is an interface here so identity does not
// depend on the event package.
type EventReassigner interface {
	ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error)
}

// Resolver consumes identity jobs and ensures device, user and session
// rows exist and are correctly attributed. All handlers are re-entrant
// safe: the broker delivers at least once and the serialized queues only
// remove concurrency, not redelivery.
type Resolver struct {
	devices  DeviceRepository
	users    UserRepository
	sessions SessionRepository
	events   EventReassigner
	geo      geo.Resolver
	logger   *slog.Logger
}

// NewResolver creates a resolver over the identity repositories. The geo
// resolver may be nil, in which case sessions carry no geo facts.
func NewResolver(
	devices DeviceRepository,
	users UserRepository,
	sessions SessionRepository,
	events EventReassigner,
	geoResolver geo.Resolver,
	logger *slog.Logger,
) *Resolver {
	if geoResolver == nil {
		geoResolver = geo.NoopResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		devices:  devices,
		users:    users,
		sessions: sessions,
		events:   events,
		geo:      geoResolver,
		logger:   logger,
	}
}

// HandleCreateDevice derives the deterministic device id from the job's
// headers and upserts the device row. A second delivery for the same
// fingerprint finds the row present and no-ops.
func (r *Resolver) HandleCreateDevice(ctx context.Context, job queue.CreateDeviceJob) error {
	fp := ParseFingerprint(job.Headers)
	device := &Device{
		ProjectID:     job.ProjectID,
		UserID:        job.UserID,
		ID:            DeviceID(job.ProjectID, job.UserID, fp),
		OSName:        fp.OSName,
		OSVersion:     fp.OSVersion,
		ClientName:    fp.ClientName,
		ClientVersion: fp.ClientVersion,
		ClientType:    fp.ClientType,
		DeviceType:    fp.DeviceType,
	}

	created, err := r.devices.CreateIfAbsent(ctx, device)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	if created {
		r.logger.Debug("device created",
			"project_id", job.ProjectID,
			"device_id", device.ID,
			"os", device.OSName,
			"client", device.ClientName)
	}
	return nil
}

// HandleCreateUser upserts the user row. An existing row is a duplicate
// first-hit race; creation fields are first-writer-wins and later
// changes go through the profile updater, so this is a no-op.
func (r *Resolver) HandleCreateUser(ctx context.Context, job queue.CreateUserJob) error {
	user := &User{
		ProjectID:   job.ProjectID,
		ID:          job.UserID,
		Identifier:  job.Identifier,
		DisplayName: job.DisplayName,
		ProfileData: job.Data,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.CreatedAt,
	}

	created, err := r.users.CreateIfAbsent(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		r.logger.Debug("user already exists, duplicate first hit",
			"project_id", job.ProjectID, "user_id", job.UserID)
	}
	return nil
}

// HandleSession creates or extends a session. A createOrExtend for an
// existing id extends it; an extend for a missing id is an out-of-order
// delivery and is reported as an error so the retry path can wait for
// the create to land.
func (r *Resolver) HandleSession(ctx context.Context, job queue.SessionJob) error {
	_, err := r.sessions.GetByID(ctx, job.ProjectID, job.SessionID)
	switch {
	case err == nil:
		if err := r.sessions.Extend(ctx, job.ProjectID, job.SessionID, job.CreatedAt); err != nil {
			return fmt.Errorf("failed to extend session: %w", err)
		}
		return nil

	case errors.Is(err, ErrSessionNotFound):
		if job.Type != queue.SessionCreateOrExtend {
			return fmt.Errorf("%w: session %s", ErrExtendBeforeCreate, job.SessionID)
		}
		return r.createSession(ctx, job)

	default:
		return fmt.Errorf("failed to look up session: %w", err)
	}
}

func (r *Resolver) createSession(ctx context.Context, job queue.SessionJob) error {
	parts := urlmeta.Parse(job.URL)
	referrer := urlmeta.ClassifyReferrer(referrerFrom(job.Headers), parts.Origin)

	location, err := r.geo.Resolve(ctx, job.IPAddress)
	if err != nil {
		// Geo is enrichment, not correctness; log and continue.
		r.logger.Warn("geo resolution failed",
			"project_id", job.ProjectID, "error", err)
	}

	fp := ParseFingerprint(job.Headers)
	session := &Session{
		ProjectID:    job.ProjectID,
		UserID:       job.UserID,
		ID:           job.SessionID,
		DeviceID:     DeviceID(job.ProjectID, job.UserID, fp),
		StartedAt:    job.CreatedAt,
		EndedAt:      job.CreatedAt,
		EntryPage:    parts.Path,
		EntryOrigin:  parts.Origin,
		Referrer:     referrer.URL,
		ReferrerName: referrer.Name,
		ReferrerType: string(referrer.Type),
		UTMSource:    parts.UTMSource,
		UTMMedium:    parts.UTMMedium,
		UTMCampaign:  parts.UTMCampaign,
		UTMTerm:      parts.UTMTerm,
		UTMContent:   parts.UTMContent,
		Country:      location.Country,
		Region:       location.Region,
		City:         location.City,
	}

	if err := r.sessions.Insert(ctx, session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	r.logger.Debug("session created",
		"project_id", job.ProjectID,
		"session_id", job.SessionID,
		"entry_page", session.EntryPage,
		"referrer_type", session.ReferrerType)
	return nil
}

// HandleMergeUser reassigns everything the old user owns to the new user
// and removes the old row. Retry-safe: once nothing references the old
// id the reassignments are no-ops and the delete is idempotent. The
// merge queue is serialized so overlapping merges cannot interleave.
func (r *Resolver) HandleMergeUser(ctx context.Context, job queue.MergeUserJob) error {
	if job.OldUserID == job.NewUserID {
		return nil
	}

	// Ensure the target exists before anything starts pointing at it.
	now := time.Now()
	target := &User{
		ProjectID:   job.ProjectID,
		ID:          job.NewUserID,
		DisplayName: job.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := r.users.CreateIfAbsent(ctx, target); err != nil {
		return fmt.Errorf("failed to ensure merge target: %w", err)
	}

	events, err := r.events.ReassignUser(ctx, job.ProjectID, job.OldUserID, job.NewUserID)
	if err != nil {
		return fmt.Errorf("failed to reassign events: %w", err)
	}
	sessions, err := r.sessions.ReassignUser(ctx, job.ProjectID, job.OldUserID, job.NewUserID)
	if err != nil {
		return fmt.Errorf("failed to reassign sessions: %w", err)
	}
	devices, err := r.devices.ReassignUser(ctx, job.ProjectID, job.OldUserID, job.NewUserID)
	if err != nil {
		return fmt.Errorf("failed to reassign devices: %w", err)
	}

	// Recheck before dropping the old row: a partial reassignment must
	// fail the job so the retry finishes the move.
	remaining, err := r.devices.CountByUser(ctx, job.ProjectID, job.OldUserID)
	if err != nil {
		return fmt.Errorf("failed to verify device reassignment: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("merge left %d devices attached to user %s", remaining, job.OldUserID)
	}

	if err := r.users.Delete(ctx, job.ProjectID, job.OldUserID); err != nil {
		return fmt.Errorf("failed to remove merged user: %w", err)
	}

	r.logger.Info("user merged",
		"project_id", job.ProjectID,
		"old_user_id", job.OldUserID,
		"new_user_id", job.NewUserID,
		"events", events,
		"sessions", sessions,
		"devices", devices)
	return nil
}

// referrerFrom pulls the Referer header (canonical misspelling) out of a
// job's header map.
func referrerFrom(headers map[string][]string) string {
	for k, vs := range headers {
		if len(vs) > 0 && (k == "Referer" || k == "referer") {
			return vs[0]
		}
	}
	return ""
}
