package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Repository errors.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrDeviceNotFound  = errors.New("device not found")
)

// DeviceRepository persists device rows.
type DeviceRepository interface {
	// CreateIfAbsent inserts the device unless a row with its id already
	// exists. Reports whether a row was created; an existing row is a
	// no-op, not an error (duplicate-creation races are expected).
	CreateIfAbsent(ctx context.Context, device *Device) (bool, error)

	// GetByID retrieves a device by project and id.
	GetByID(ctx context.Context, projectID, id string) (*Device, error)

	// ReassignUser moves every device owned by oldUserID to newUserID
	// within the project. Returns the number of rows moved.
	ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error)

	// CountByUser returns the number of devices a user owns.
	CountByUser(ctx context.Context, projectID, userID string) (int64, error)
}

// UserRepository persists user rows.
type UserRepository interface {
	// CreateIfAbsent inserts the user unless the row exists. An existing
	// row means a duplicate first-hit race: first-writer-wins, no-op.
	CreateIfAbsent(ctx context.Context, user *User) (bool, error)

	// GetByID retrieves a user, ErrUserNotFound when absent.
	GetByID(ctx context.Context, projectID, id string) (*User, error)

	// Save overwrites the full user row.
	Save(ctx context.Context, user *User) error

	// Delete removes a user row. Deleting an absent row is a no-op so
	// merge retries stay idempotent.
	Delete(ctx context.Context, projectID, id string) error
}

// SessionRepository persists session rows.
type SessionRepository interface {
	// Insert stores a new session.
	Insert(ctx context.Context, session *Session) error

	// GetByID retrieves a session, ErrSessionNotFound when absent.
	GetByID(ctx context.Context, projectID, id string) (*Session, error)

	// Extend advances endedAt (and the denormalized duration) of an
	// existing session. An endedAt at or before the current one is a
	// stale or redelivered extend and is discarded, so out-of-order
	// delivery cannot move a session backwards. ErrSessionNotFound when
	// absent.
	Extend(ctx context.Context, projectID, id string, endedAt time.Time) error

	// ReassignUser moves every session owned by oldUserID to newUserID
	// within the project. Returns the number of rows moved.
	ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error)
}

func deviceKey(projectID, id string) string  { return projectID + "/" + id }
func userKey(projectID, id string) string    { return projectID + "/" + id }
func sessionKey(projectID, id string) string { return projectID + "/" + id }

// InMemoryDeviceRepository implements DeviceRepository with in-memory
// storage. Used for testing and development.
type InMemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewInMemoryDeviceRepository creates an empty in-memory device repository.
func NewInMemoryDeviceRepository() *InMemoryDeviceRepository {
	return &InMemoryDeviceRepository{devices: make(map[string]*Device)}
}

// CreateIfAbsent inserts the device unless its id already exists.
func (r *InMemoryDeviceRepository) CreateIfAbsent(ctx context.Context, device *Device) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey(device.ProjectID, device.ID)
	if _, exists := r.devices[key]; exists {
		return false, nil
	}

	copied := *device
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	r.devices[key] = &copied
	return true, nil
}

// GetByID retrieves a device by project and id.
func (r *InMemoryDeviceRepository) GetByID(ctx context.Context, projectID, id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[deviceKey(projectID, id)]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// ReassignUser moves devices between users.
func (r *InMemoryDeviceRepository) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moved int64
	for _, device := range r.devices {
		if device.ProjectID == projectID && device.UserID == oldUserID {
			device.UserID = newUserID
			moved++
		}
	}
	return moved, nil
}

// CountByUser returns the number of devices a user owns.
func (r *InMemoryDeviceRepository) CountByUser(ctx context.Context, projectID, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, device := range r.devices {
		if device.ProjectID == projectID && device.UserID == userID {
			n++
		}
	}
	return n, nil
}

// InMemoryUserRepository implements UserRepository with in-memory
// storage. Used for testing and development.
type InMemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewInMemoryUserRepository creates an empty in-memory user repository.
func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{users: make(map[string]*User)}
}

// CreateIfAbsent inserts the user unless the row exists.
func (r *InMemoryUserRepository) CreateIfAbsent(ctx context.Context, user *User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userKey(user.ProjectID, user.ID)
	if _, exists := r.users[key]; exists {
		return false, nil
	}
	r.users[key] = copyUser(user)
	return true, nil
}

// GetByID retrieves a user.
func (r *InMemoryUserRepository) GetByID(ctx context.Context, projectID, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userKey(projectID, id)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(user), nil
}

// Save overwrites the full user row.
func (r *InMemoryUserRepository) Save(ctx context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userKey(user.ProjectID, user.ID)] = copyUser(user)
	return nil
}

// Delete removes a user row; absent rows are a no-op.
func (r *InMemoryUserRepository) Delete(ctx context.Context, projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userKey(projectID, id))
	return nil
}

func copyUser(user *User) *User {
	copied := *user
	if user.ProfileData != nil {
		copied.ProfileData = make(map[string]any, len(user.ProfileData))
		for k, v := range user.ProfileData {
			copied.ProfileData[k] = v
		}
	}
	return &copied
}

// InMemorySessionRepository implements SessionRepository with in-memory
// storage. Used for testing and development.
type InMemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemorySessionRepository creates an empty in-memory session repository.
func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{sessions: make(map[string]*Session)}
}

// Insert stores a new session.
func (r *InMemorySessionRepository) Insert(ctx context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *session
	r.sessions[sessionKey(session.ProjectID, session.ID)] = &copied
	return nil
}

// GetByID retrieves a session.
func (r *InMemorySessionRepository) GetByID(ctx context.Context, projectID, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionKey(projectID, id)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// Extend advances endedAt and duration of an existing session. Stale
// timestamps are discarded.
func (r *InMemorySessionRepository) Extend(ctx context.Context, projectID, id string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionKey(projectID, id)]
	if !ok {
		return ErrSessionNotFound
	}
	if endedAt.After(session.EndedAt) {
		session.EndedAt = endedAt
		session.Duration = endedAt.Sub(session.StartedAt)
	}
	return nil
}

// ReassignUser moves sessions between users.
func (r *InMemorySessionRepository) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moved int64
	for _, session := range r.sessions {
		if session.ProjectID == projectID && session.UserID == oldUserID {
			session.UserID = newUserID
			moved++
		}
	}
	return moved, nil
}
