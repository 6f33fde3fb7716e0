package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/hitpipe/internal/identity"
	"github.com/onnwee/hitpipe/internal/queue"
)

func seedUser(t *testing.T, users identity.UserRepository, at time.Time, data map[string]any) {
	t.Helper()
	_, err := users.CreateIfAbsent(context.Background(), &identity.User{
		ProjectID:   "p1",
		ID:          "u1",
		ProfileData: data,
		CreatedAt:   at,
		UpdatedAt:   at,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestHandleUpdateUser_SetSetOnceUnset(t *testing.T) {
	users := identity.NewInMemoryUserRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedUser(t, users, base, map[string]any{"plan": "free", "beta": true})

	u := NewUpdater(users, nil)
	err := u.HandleUpdateUser(context.Background(), queue.UpdateUserJob{
		ProjectID: "p1", UserID: "u1",
		UpdatedAt: base.Add(time.Minute),
		Data: &queue.ProfilePatch{
			Set:     map[string]any{"plan": "pro"},
			SetOnce: map[string]any{"signup_source": "ads", "plan": "ignored"},
			Unset:   []string{"beta"},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	user, _ := users.GetByID(context.Background(), "p1", "u1")
	if got := user.ProfileData["plan"]; got != "pro" {
		t.Errorf("plan = %v, want pro (set overwrites, setOnce must not)", got)
	}
	if got := user.ProfileData["signup_source"]; got != "ads" {
		t.Errorf("signup_source = %v, want ads", got)
	}
	if _, exists := user.ProfileData["beta"]; exists {
		t.Error("beta still present after unset")
	}
	if !user.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("watermark = %v, want %v", user.UpdatedAt, base.Add(time.Minute))
	}
}

func TestHandleUpdateUser_SetOnceNeverRegresses(t *testing.T) {
	users := identity.NewInMemoryUserRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedUser(t, users, base, nil)

	u := NewUpdater(users, nil)
	ctx := context.Background()

	for i, v := range []string{"organic", "ads", "referral"} {
		err := u.HandleUpdateUser(ctx, queue.UpdateUserJob{
			ProjectID: "p1", UserID: "u1",
			UpdatedAt: base.Add(time.Duration(i+1) * time.Minute),
			Data:      &queue.ProfilePatch{SetOnce: map[string]any{"first_source": v}},
		})
		if err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
	}

	user, _ := users.GetByID(ctx, "p1", "u1")
	if got := user.ProfileData["first_source"]; got != "organic" {
		t.Errorf("first_source = %v, want the first value to stick", got)
	}
}

func TestHandleUpdateUser_StalePatchDiscarded(t *testing.T) {
	users := identity.NewInMemoryUserRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedUser(t, users, base, nil)

	u := NewUpdater(users, nil)
	ctx := context.Background()

	newer := queue.UpdateUserJob{
		ProjectID: "p1", UserID: "u1",
		UpdatedAt: base.Add(2 * time.Minute),
		Data:      &queue.ProfilePatch{Set: map[string]any{"plan": "pro"}},
	}
	older := queue.UpdateUserJob{
		ProjectID: "p1", UserID: "u1",
		UpdatedAt: base.Add(time.Minute),
		Data:      &queue.ProfilePatch{Set: map[string]any{"plan": "free"}},
	}

	if err := u.HandleUpdateUser(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if err := u.HandleUpdateUser(ctx, older); err != nil {
		t.Fatal(err)
	}

	user, _ := users.GetByID(ctx, "p1", "u1")
	if got := user.ProfileData["plan"]; got != "pro" {
		t.Errorf("plan = %v, stale out-of-order patch overwrote newer value", got)
	}
	if !user.UpdatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("watermark = %v, want unchanged %v", user.UpdatedAt, base.Add(2*time.Minute))
	}
}

func TestHandleUpdateUser_RedeliveryIsIdempotent(t *testing.T) {
	users := identity.NewInMemoryUserRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedUser(t, users, base, nil)

	u := NewUpdater(users, nil)
	ctx := context.Background()
	job := queue.UpdateUserJob{
		ProjectID: "p1", UserID: "u1",
		UpdatedAt: base.Add(time.Minute),
		Data:      &queue.ProfilePatch{Set: map[string]any{"plan": "pro"}},
	}

	if err := u.HandleUpdateUser(ctx, job); err != nil {
		t.Fatal(err)
	}
	// The exact same timestamp is not After the watermark: discarded.
	if err := u.HandleUpdateUser(ctx, job); err != nil {
		t.Fatal(err)
	}

	user, _ := users.GetByID(ctx, "p1", "u1")
	if got := user.ProfileData["plan"]; got != "pro" {
		t.Errorf("plan = %v, want pro", got)
	}
}

func TestHandleUpdateUser_CreatesMissingUser(t *testing.T) {
	users := identity.NewInMemoryUserRepository()
	u := NewUpdater(users, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := u.HandleUpdateUser(context.Background(), queue.UpdateUserJob{
		ProjectID: "p1", UserID: "u1",
		UpdatedAt:   at,
		DisplayName: "Ada",
		Data:        &queue.ProfilePatch{Set: map[string]any{"plan": "pro"}},
	})
	if err != nil {
		t.Fatalf("apply to missing user: %v", err)
	}

	user, err := users.GetByID(context.Background(), "p1", "u1")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.DisplayName != "Ada" || user.ProfileData["plan"] != "pro" {
		t.Errorf("user = %+v, patch not applied on creation", user)
	}
}

func TestHandleUpdateUser_RejectsMissingWatermark(t *testing.T) {
	u := NewUpdater(identity.NewInMemoryUserRepository(), nil)
	err := u.HandleUpdateUser(context.Background(), queue.UpdateUserJob{ProjectID: "p1", UserID: "u1"})
	if !errors.Is(err, ErrMissingWatermark) {
		t.Errorf("error = %v, want ErrMissingWatermark", err)
	}
}
