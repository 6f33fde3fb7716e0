// Package identity resolves device, user and session rows for incoming
// hits: deterministic device fingerprinting, idempotent creation,
// session create-or-extend and one-directional user merges.
package identity

import "time"

// Device is one client device owned by a project. The id is a pure
// function of the fingerprint, so a device row is immutable once
// created; a fingerprint change is a new device.
type Device struct {
	ProjectID     string
	UserID        string
	ID            string
	OSName        string
	OSVersion     string
	ClientName    string
	ClientVersion string
	ClientType    string
	DeviceType    string
	CreatedAt     time.Time
}

// User is a visitor. The id starts anonymous (derived from a client
// token) and may later be merged into an identified id; merge reassigns
// dependent rows, it never deletes them.
type User struct {
	ProjectID   string
	ID          string
	Identifier  string
	DisplayName string
	ProfileData map[string]any

	CreatedAt time.Time

	// UpdatedAt is the profile watermark; the profile updater discards
	// patches older than it.
	UpdatedAt time.Time
}

// Session is one visit. Created on the first hit carrying a new session
// id, extended by subsequent hits with the same id.
type Session struct {
	ProjectID string
	UserID    string
	ID        string
	DeviceID  string

	StartedAt time.Time
	EndedAt   time.Time

	// Duration is EndedAt minus StartedAt, stored denormalized for
	// read-path simplicity.
	Duration time.Duration

	EntryPage    string
	EntryOrigin  string
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
}
