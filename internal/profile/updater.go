// Package profile applies user profile patches with last-write-wins
// ordering: each patch carries a timestamp and the stored updatedAt acts
// as a watermark that discards stale patches on redelivery or reorder.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/hitpipe/internal/identity"
	"github.com/onnwee/hitpipe/internal/queue"
)

// ErrMissingWatermark is returned for a patch without a timestamp; the
// watermark comparison is meaningless without one.
var ErrMissingWatermark = errors.New("profile patch has no timestamp")

// Updater consumes updateUser jobs.
type Updater struct {
	users  identity.UserRepository
	logger *slog.Logger
}

// NewUpdater creates a profile updater over the user repository.
func NewUpdater(users identity.UserRepository, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{users: users, logger: logger}
}

// HandleUpdateUser applies a profile patch. Patches at or before the
// stored watermark are discarded as stale. A patch for an unknown user
// creates the row first, so updates racing ahead of the createUser job
// are not lost.
func (u *Updater) HandleUpdateUser(ctx context.Context, job queue.UpdateUserJob) error {
	if job.UpdatedAt.IsZero() {
		return ErrMissingWatermark
	}

	user, err := u.users.GetByID(ctx, job.ProjectID, job.UserID)
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		// Patch raced ahead of the createUser job. Create the row with
		// the patch already applied; if we lose the creation race,
		// reload and fall through to the normal watermark path.
		fresh := &identity.User{
			ProjectID:   job.ProjectID,
			ID:          job.UserID,
			DisplayName: job.DisplayName,
			CreatedAt:   job.UpdatedAt,
			UpdatedAt:   job.UpdatedAt,
		}
		applyPatch(fresh, job.Data)
		created, err := u.users.CreateIfAbsent(ctx, fresh)
		if err != nil {
			return fmt.Errorf("failed to create user for patch: %w", err)
		}
		if created {
			return nil
		}
		user, err = u.users.GetByID(ctx, job.ProjectID, job.UserID)
		if err != nil {
			return fmt.Errorf("failed to reload user: %w", err)
		}

	case err != nil:
		return fmt.Errorf("failed to load user: %w", err)
	}

	if !job.UpdatedAt.After(user.UpdatedAt) {
		u.logger.Debug("stale profile patch discarded",
			"project_id", job.ProjectID,
			"user_id", job.UserID,
			"patch_at", job.UpdatedAt,
			"watermark", user.UpdatedAt)
		return nil
	}

	if job.DisplayName != "" {
		user.DisplayName = job.DisplayName
	}
	applyPatch(user, job.Data)
	user.UpdatedAt = job.UpdatedAt

	if err := u.users.Save(ctx, user); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// applyPatch mutates the user's profile data in place. Order matters:
// set overwrites, setOnce fills gaps, unset removes.
func applyPatch(user *identity.User, patch *queue.ProfilePatch) {
	if patch == nil {
		return
	}
	if user.ProfileData == nil {
		user.ProfileData = make(map[string]any)
	}

	for k, v := range patch.Set {
		user.ProfileData[k] = v
	}
	for k, v := range patch.SetOnce {
		if _, exists := user.ProfileData[k]; !exists {
			user.ProfileData[k] = v
		}
	}
	for _, k := range patch.Unset {
		delete(user.ProfileData, k)
	}
}
