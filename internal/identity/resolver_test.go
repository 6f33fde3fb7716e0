package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/hitpipe/internal/geo"
	"github.com/onnwee/hitpipe/internal/queue"
)

// stubReassigner tracks event reassignment calls for merge tests.
type stubReassigner struct {
	mu    sync.Mutex
	calls int
	moved int64
	err   error
}

func (s *stubReassigner) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.moved, s.err
}

type resolverFixture struct {
	devices  *InMemoryDeviceRepository
	users    *InMemoryUserRepository
	sessions *InMemorySessionRepository
	events   *stubReassigner
	resolver *Resolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		devices:  NewInMemoryDeviceRepository(),
		users:    NewInMemoryUserRepository(),
		sessions: NewInMemorySessionRepository(),
		events:   &stubReassigner{},
	}
	geoResolver := geo.NewStaticResolver()
	if err := geoResolver.AddRange("203.0.113.0/24", geo.Location{Country: "SE", City: "Stockholm"}); err != nil {
		t.Fatalf("add geo range: %v", err)
	}
	f.resolver = NewResolver(f.devices, f.users, f.sessions, f.events, geoResolver, nil)
	return f
}

func browserHeaders() map[string][]string {
	return map[string][]string{
		"User-Agent": {chromeOnWindowsUA},
		"Referer":    {"https://www.google.com/search?q=hitpipe"},
	}
}

func TestHandleCreateDevice_Idempotent(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	job := queue.CreateDeviceJob{ProjectID: "p1", UserID: "u1", Headers: browserHeaders()}

	for i := 0; i < 3; i++ {
		if err := f.resolver.HandleCreateDevice(ctx, job); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	n, err := f.devices.CountByUser(ctx, "p1", "u1")
	if err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if n != 1 {
		t.Errorf("device count = %d, want 1 after repeated deliveries", n)
	}

	id := DeviceID("p1", "u1", ParseFingerprint(job.Headers))
	device, err := f.devices.GetByID(ctx, "p1", id)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.ClientName != "Chrome" || device.OSName != "Windows" {
		t.Errorf("device fingerprint = %s on %s, want Chrome on Windows", device.ClientName, device.OSName)
	}
}

func TestHandleCreateDevice_DifferentBrowsersSameUser(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	chrome := queue.CreateDeviceJob{ProjectID: "p1", UserID: "u1",
		Headers: map[string][]string{"User-Agent": {chromeOnWindowsUA}}}
	firefox := queue.CreateDeviceJob{ProjectID: "p1", UserID: "u1",
		Headers: map[string][]string{"User-Agent": {"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"}}}

	if err := f.resolver.HandleCreateDevice(ctx, chrome); err != nil {
		t.Fatal(err)
	}
	if err := f.resolver.HandleCreateDevice(ctx, firefox); err != nil {
		t.Fatal(err)
	}

	n, _ := f.devices.CountByUser(ctx, "p1", "u1")
	if n != 2 {
		t.Errorf("device count = %d, want 2 for distinct fingerprints", n)
	}
}

func TestHandleCreateUser_FirstWriterWins(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := queue.CreateUserJob{ProjectID: "p1", UserID: "u1", CreatedAt: createdAt, DisplayName: "Ada"}
	second := queue.CreateUserJob{ProjectID: "p1", UserID: "u1", CreatedAt: createdAt.Add(time.Second), DisplayName: "Not Ada"}

	if err := f.resolver.HandleCreateUser(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := f.resolver.HandleCreateUser(ctx, second); err != nil {
		t.Fatal(err)
	}

	user, err := f.users.GetByID(ctx, "p1", "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.DisplayName != "Ada" {
		t.Errorf("display name = %q, want first writer's %q", user.DisplayName, "Ada")
	}
	if !user.CreatedAt.Equal(createdAt) {
		t.Errorf("created at = %v, want %v", user.CreatedAt, createdAt)
	}
}

func TestHandleSession_CreateThenExtend(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	create := queue.SessionJob{
		Type:      queue.SessionCreateOrExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "s1",
		CreatedAt: start,
		IPAddress: "203.0.113.42",
		Headers:   browserHeaders(),
		URL:       "https://shop.example/pricing?utm_source=newsletter&utm_medium=email#plans",
	}
	if err := f.resolver.HandleSession(ctx, create); err != nil {
		t.Fatalf("create: %v", err)
	}

	session, err := f.sessions.GetByID(ctx, "p1", "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.EntryPage != "/pricing" {
		t.Errorf("entry page = %q, want /pricing", session.EntryPage)
	}
	if session.EntryOrigin != "https://shop.example" {
		t.Errorf("entry origin = %q", session.EntryOrigin)
	}
	if session.UTMSource != "newsletter" || session.UTMMedium != "email" {
		t.Errorf("utm = %s/%s, want newsletter/email", session.UTMSource, session.UTMMedium)
	}
	if session.ReferrerType != "search" || session.ReferrerName != "Google" {
		t.Errorf("referrer = %s (%s), want Google (search)", session.ReferrerName, session.ReferrerType)
	}
	if session.Country != "SE" || session.City != "Stockholm" {
		t.Errorf("geo = %s/%s, want SE/Stockholm", session.Country, session.City)
	}
	if session.DeviceID == "" {
		t.Error("session missing device id")
	}

	extend := queue.SessionJob{
		Type:      queue.SessionExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "s1",
		CreatedAt: start.Add(90 * time.Second),
	}
	if err := f.resolver.HandleSession(ctx, extend); err != nil {
		t.Fatalf("extend: %v", err)
	}

	session, _ = f.sessions.GetByID(ctx, "p1", "s1")
	if session.Duration != 90*time.Second {
		t.Errorf("duration = %v, want 90s", session.Duration)
	}
	if !session.EndedAt.Equal(start.Add(90 * time.Second)) {
		t.Errorf("ended at = %v", session.EndedAt)
	}
}

func TestHandleSession_CreateOrExtendIsIdempotent(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	job := queue.SessionJob{
		Type:      queue.SessionCreateOrExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "s1",
		CreatedAt: start,
		URL:       "https://shop.example/",
		Headers:   browserHeaders(),
	}
	if err := f.resolver.HandleSession(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Redelivery with a later timestamp extends rather than overwriting.
	job.CreatedAt = start.Add(time.Minute)
	if err := f.resolver.HandleSession(ctx, job); err != nil {
		t.Fatal(err)
	}

	session, _ := f.sessions.GetByID(ctx, "p1", "s1")
	if !session.StartedAt.Equal(start) {
		t.Errorf("started at = %v, want original %v", session.StartedAt, start)
	}
	if session.Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", session.Duration)
	}
}

func TestHandleSession_StaleExtendDiscarded(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	create := queue.SessionJob{
		Type:      queue.SessionCreateOrExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "s1",
		CreatedAt: start,
		URL:       "https://shop.example/",
		Headers:   browserHeaders(),
	}
	if err := f.resolver.HandleSession(ctx, create); err != nil {
		t.Fatalf("create: %v", err)
	}

	extend := queue.SessionJob{
		Type:      queue.SessionExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "s1",
		CreatedAt: start.Add(5 * time.Minute),
	}
	if err := f.resolver.HandleSession(ctx, extend); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// An older extend redelivered out of order must not move the
	// session backwards.
	stale := extend
	stale.CreatedAt = start.Add(time.Minute)
	if err := f.resolver.HandleSession(ctx, stale); err != nil {
		t.Fatalf("stale extend: %v", err)
	}

	session, _ := f.sessions.GetByID(ctx, "p1", "s1")
	if !session.EndedAt.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("ended at = %v, want %v", session.EndedAt, start.Add(5*time.Minute))
	}
	if session.Duration != 5*time.Minute {
		t.Errorf("duration = %v, want 5m", session.Duration)
	}
}

func TestHandleSession_ExtendBeforeCreate(t *testing.T) {
	f := newResolverFixture(t)

	err := f.resolver.HandleSession(context.Background(), queue.SessionJob{
		Type:      queue.SessionExtend,
		ProjectID: "p1", UserID: "u1", SessionID: "missing",
		CreatedAt: time.Now(),
	})
	if !errors.Is(err, ErrExtendBeforeCreate) {
		t.Errorf("error = %v, want ErrExtendBeforeCreate", err)
	}
}

func TestHandleMergeUser(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := f.users.CreateIfAbsent(ctx, &User{ProjectID: "p1", ID: "anon", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.devices.CreateIfAbsent(ctx, &Device{ProjectID: "p1", UserID: "anon", ID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.Insert(ctx, &Session{ProjectID: "p1", UserID: "anon", ID: "s1", StartedAt: now, EndedAt: now}); err != nil {
		t.Fatal(err)
	}
	f.events.moved = 7

	job := queue.MergeUserJob{ProjectID: "p1", OldUserID: "anon", NewUserID: "ada@example.com", DisplayName: "Ada"}
	if err := f.resolver.HandleMergeUser(ctx, job); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if _, err := f.users.GetByID(ctx, "p1", "anon"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("old user lookup = %v, want ErrUserNotFound", err)
	}
	if _, err := f.users.GetByID(ctx, "p1", "ada@example.com"); err != nil {
		t.Errorf("merged user missing: %v", err)
	}

	device, _ := f.devices.GetByID(ctx, "p1", "d1")
	if device.UserID != "ada@example.com" {
		t.Errorf("device owner = %q, want merged user", device.UserID)
	}
	session, _ := f.sessions.GetByID(ctx, "p1", "s1")
	if session.UserID != "ada@example.com" {
		t.Errorf("session owner = %q, want merged user", session.UserID)
	}
	if f.events.calls != 1 {
		t.Errorf("event reassignment calls = %d, want 1", f.events.calls)
	}
}

func TestHandleMergeUser_RetrySafe(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := f.users.CreateIfAbsent(ctx, &User{ProjectID: "p1", ID: "anon", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	job := queue.MergeUserJob{ProjectID: "p1", OldUserID: "anon", NewUserID: "ada@example.com"}
	if err := f.resolver.HandleMergeUser(ctx, job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.resolver.HandleMergeUser(ctx, job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if _, err := f.users.GetByID(ctx, "p1", "ada@example.com"); err != nil {
		t.Errorf("merged user missing after redelivery: %v", err)
	}
}

func TestHandleMergeUser_FailureKeepsOldUser(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := f.users.CreateIfAbsent(ctx, &User{ProjectID: "p1", ID: "anon", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	f.events.err = errors.New("event store down")

	job := queue.MergeUserJob{ProjectID: "p1", OldUserID: "anon", NewUserID: "ada@example.com"}
	if err := f.resolver.HandleMergeUser(ctx, job); err == nil {
		t.Fatal("expected merge to fail while event store is down")
	}

	// The old user survives a failed merge; the retry finishes the job.
	if _, err := f.users.GetByID(ctx, "p1", "anon"); err != nil {
		t.Errorf("old user removed despite failed merge: %v", err)
	}

	f.events.err = nil
	if err := f.resolver.HandleMergeUser(ctx, job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.users.GetByID(ctx, "p1", "anon"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("old user still present after successful retry: %v", err)
	}
}

// stuckDeviceRepo simulates a reassignment that silently misses rows.
type stuckDeviceRepo struct {
	*InMemoryDeviceRepository
}

func (r *stuckDeviceRepo) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	return 0, nil
}

func TestHandleMergeUser_IncompleteDeviceMoveFailsJob(t *testing.T) {
	devices := &stuckDeviceRepo{NewInMemoryDeviceRepository()}
	users := NewInMemoryUserRepository()
	sessions := NewInMemorySessionRepository()
	resolver := NewResolver(devices, users, sessions, &stubReassigner{}, nil, nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := users.CreateIfAbsent(ctx, &User{ProjectID: "p1", ID: "anon", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := devices.CreateIfAbsent(ctx, &Device{ProjectID: "p1", UserID: "anon", ID: "d1"}); err != nil {
		t.Fatal(err)
	}

	job := queue.MergeUserJob{ProjectID: "p1", OldUserID: "anon", NewUserID: "ada@example.com"}
	if err := resolver.HandleMergeUser(ctx, job); err == nil {
		t.Fatal("expected merge to fail while a device still points at the old user")
	}

	// The old user must survive so the retry can finish the move.
	if _, err := users.GetByID(ctx, "p1", "anon"); err != nil {
		t.Errorf("old user removed despite incomplete device move: %v", err)
	}
}

func TestHandleMergeUser_SelfMergeNoOp(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	job := queue.MergeUserJob{ProjectID: "p1", OldUserID: "u1", NewUserID: "u1"}
	if err := f.resolver.HandleMergeUser(ctx, job); err != nil {
		t.Fatalf("self merge: %v", err)
	}
	if f.events.calls != 0 {
		t.Errorf("self merge touched the event store %d times", f.events.calls)
	}
}
