package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresDeviceRepository implements DeviceRepository on the devices
// table.
type PostgresDeviceRepository struct {
	db *sql.DB
}

// NewPostgresDeviceRepository creates a postgres-backed device repository.
func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

// CreateIfAbsent inserts the device unless its id already exists.
func (r *PostgresDeviceRepository) CreateIfAbsent(ctx context.Context, device *Device) (bool, error) {
	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `
		INSERT INTO devices (
			project_id, user_id, id,
			os_name, os_version,
			client_name, client_version, client_type, device_type,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		device.ProjectID, device.UserID, device.ID,
		device.OSName, device.OSVersion,
		device.ClientName, device.ClientVersion, device.ClientType, device.DeviceType,
		createdAt)
	if err != nil {
		return false, fmt.Errorf("failed to create device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n > 0 {
		device.CreatedAt = createdAt
	}
	return n > 0, nil
}

// GetByID retrieves a device by project and id.
func (r *PostgresDeviceRepository) GetByID(ctx context.Context, projectID, id string) (*Device, error) {
	const query = `
		SELECT project_id, user_id, id,
		       os_name, os_version,
		       client_name, client_version, client_type, device_type,
		       created_at
		FROM devices
		WHERE project_id = $1 AND id = $2`

	var device Device
	err := r.db.QueryRowContext(ctx, query, projectID, id).Scan(
		&device.ProjectID, &device.UserID, &device.ID,
		&device.OSName, &device.OSVersion,
		&device.ClientName, &device.ClientVersion, &device.ClientType, &device.DeviceType,
		&device.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// ReassignUser moves devices between users.
func (r *PostgresDeviceRepository) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	const query = `
		UPDATE devices SET user_id = $3
		WHERE project_id = $1 AND user_id = $2`

	res, err := r.db.ExecContext(ctx, query, projectID, oldUserID, newUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign devices: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reassign result: %w", err)
	}
	return moved, nil
}

// CountByUser returns the number of devices a user owns.
func (r *PostgresDeviceRepository) CountByUser(ctx context.Context, projectID, userID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// PostgresUserRepository implements UserRepository on the users table.
// Profile data is stored as jsonb.
type PostgresUserRepository struct {
	db *sql.DB
}

// NewPostgresUserRepository creates a postgres-backed user repository.
func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// CreateIfAbsent inserts the user unless the row exists.
func (r *PostgresUserRepository) CreateIfAbsent(ctx context.Context, user *User) (bool, error) {
	profile, err := marshalProfile(user.ProfileData)
	if err != nil {
		return false, err
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	const query = `
		INSERT INTO users (project_id, id, identifier, display_name, profile_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		user.ProjectID, user.ID, user.Identifier, user.DisplayName, profile, createdAt, updatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n > 0 {
		user.CreatedAt = createdAt
		user.UpdatedAt = updatedAt
	}
	return n > 0, nil
}

// GetByID retrieves a user.
func (r *PostgresUserRepository) GetByID(ctx context.Context, projectID, id string) (*User, error) {
	const query = `
		SELECT project_id, id, identifier, display_name, profile_data, created_at, updated_at
		FROM users
		WHERE project_id = $1 AND id = $2`

	var user User
	var profile []byte
	err := r.db.QueryRowContext(ctx, query, projectID, id).Scan(
		&user.ProjectID, &user.ID, &user.Identifier, &user.DisplayName,
		&profile, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &user.ProfileData); err != nil {
			return nil, fmt.Errorf("failed to decode profile data: %w", err)
		}
	}
	return &user, nil
}

// Save overwrites the full user row.
func (r *PostgresUserRepository) Save(ctx context.Context, user *User) error {
	profile, err := marshalProfile(user.ProfileData)
	if err != nil {
		return err
	}

	const query = `
		UPDATE users
		SET identifier = $3, display_name = $4, profile_data = $5, updated_at = $6
		WHERE project_id = $1 AND id = $2`

	res, err := r.db.ExecContext(ctx, query,
		user.ProjectID, user.ID, user.Identifier, user.DisplayName, profile, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete removes a user row; absent rows are a no-op.
func (r *PostgresUserRepository) Delete(ctx context.Context, projectID, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE project_id = $1 AND id = $2`, projectID, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func marshalProfile(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile data: %w", err)
	}
	return raw, nil
}

// PostgresSessionRepository implements SessionRepository on the sessions
// table.
type PostgresSessionRepository struct {
	db *sql.DB
}

// NewPostgresSessionRepository creates a postgres-backed session repository.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

// Insert stores a new session.
func (r *PostgresSessionRepository) Insert(ctx context.Context, session *Session) error {
	const query = `
		INSERT INTO sessions (
			project_id, user_id, id, device_id,
			started_at, ended_at, duration_seconds,
			entry_page, entry_origin,
			referrer, referrer_name, referrer_type,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			country, region, city
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (project_id, id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		session.ProjectID, session.UserID, session.ID, session.DeviceID,
		session.StartedAt, session.EndedAt, session.Duration.Seconds(),
		session.EntryPage, session.EntryOrigin,
		session.Referrer, session.ReferrerName, session.ReferrerType,
		session.UTMSource, session.UTMMedium, session.UTMCampaign, session.UTMTerm, session.UTMContent,
		session.Country, session.Region, session.City); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session.
func (r *PostgresSessionRepository) GetByID(ctx context.Context, projectID, id string) (*Session, error) {
	const query = `
		SELECT project_id, user_id, id, device_id,
		       started_at, ended_at, duration_seconds,
		       entry_page, entry_origin,
		       referrer, referrer_name, referrer_type,
		       utm_source, utm_medium, utm_campaign, utm_term, utm_content,
		       country, region, city
		FROM sessions
		WHERE project_id = $1 AND id = $2`

	var session Session
	var durationSeconds float64
	err := r.db.QueryRowContext(ctx, query, projectID, id).Scan(
		&session.ProjectID, &session.UserID, &session.ID, &session.DeviceID,
		&session.StartedAt, &session.EndedAt, &durationSeconds,
		&session.EntryPage, &session.EntryOrigin,
		&session.Referrer, &session.ReferrerName, &session.ReferrerType,
		&session.UTMSource, &session.UTMMedium, &session.UTMCampaign, &session.UTMTerm, &session.UTMContent,
		&session.Country, &session.Region, &session.City)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.Duration = time.Duration(durationSeconds * float64(time.Second))
	return &session, nil
}

// Extend advances endedAt and the denormalized duration. GREATEST keeps
// a stale or redelivered extend from moving the session backwards.
func (r *PostgresSessionRepository) Extend(ctx context.Context, projectID, id string, endedAt time.Time) error {
	const query = `
		UPDATE sessions
		SET ended_at = GREATEST(ended_at, $3),
		    duration_seconds = GREATEST(duration_seconds, EXTRACT(EPOCH FROM ($3 - started_at)))
		WHERE project_id = $1 AND id = $2`

	res, err := r.db.ExecContext(ctx, query, projectID, id, endedAt)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ReassignUser moves sessions between users.
func (r *PostgresSessionRepository) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	const query = `
		UPDATE sessions SET user_id = $3
		WHERE project_id = $1 AND user_id = $2`

	res, err := r.db.ExecContext(ctx, query, projectID, oldUserID, newUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign sessions: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reassign result: %w", err)
	}
	return moved, nil
}
