// Package queue provides the durable work-queue layer of the ingestion
// pipeline: named queues with typed payloads, a transport that never
// drops a job, and a worker pool with retry, backoff and dead-lettering.
package queue

import "time"

// Queue names a logical work queue on the broker.
type Queue string

// The ingestion queues. Identity-mutating queues are serialized
// system-wide (global concurrency 1) because their handlers run
// read-check-then-write sequences against a store without conditional
// writes. The event queue is append-only and runs in parallel.
const (
	QueueCreateDevice Queue = "createSessionDevice"
	QueueCreateUser   Queue = "createUser"
	QueueSession      Queue = "session"
	QueueUpdateUser   Queue = "updateUser"
	QueueMergeUser    Queue = "mergeUser"
	QueueEvent        Queue = "event"
)

// Queues lists every queue the worker consumes.
func Queues() []Queue {
	return []Queue{
		QueueCreateDevice,
		QueueCreateUser,
		QueueSession,
		QueueUpdateUser,
		QueueMergeUser,
		QueueEvent,
	}
}

// Serialized reports whether a queue requires global concurrency 1.
func (q Queue) Serialized() bool {
	switch q {
	case QueueCreateDevice, QueueCreateUser, QueueSession, QueueUpdateUser, QueueMergeUser:
		return true
	default:
		return false
	}
}

// Key returns the broker list key for the queue.
func (q Queue) Key() string {
	return "hitpipe:queue:" + string(q)
}

// SessionJobType discriminates the two session job variants.
type SessionJobType string

// Session job variants. CreateOrExtend carries full request context and
// is sent for the first hit of a session; Extend carries only identity
// plus a timestamp and is sent for subsequent hits.
const (
	SessionCreateOrExtend SessionJobType = "createOrExtend"
	SessionExtend         SessionJobType = "extend"
)

// CreateDeviceJob asks the identity resolver to ensure a device row
// exists for the fingerprint derived from the request headers.
type CreateDeviceJob struct {
	ProjectID string              `json:"projectId"`
	UserID    string              `json:"userId"`
	Headers   map[string][]string `json:"headers"`
}

// CreateUserJob asks the identity resolver to ensure a user row exists.
// If the row already exists the job is a duplicate first-hit race and is
// a no-op; later profile changes go through UpdateUserJob.
type CreateUserJob struct {
	ProjectID   string         `json:"projectId"`
	UserID      string         `json:"userId"`
	CreatedAt   time.Time      `json:"createdAt"`
	IPAddress   string         `json:"ipAddress"`
	Identifier  string         `json:"identifier,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// SessionJob creates or extends a session. The edge classifies hits into
// createOrExtend vs extend using its inactivity window; this core trusts
// that classification.
type SessionJob struct {
	Type           SessionJobType      `json:"type"`
	ProjectID      string              `json:"projectId"`
	UserID         string              `json:"userId"`
	SessionID      string              `json:"sessionId"`
	CreatedAt      time.Time           `json:"createdAt"`
	IPAddress      string              `json:"ipAddress,omitempty"`
	Headers        map[string][]string `json:"headers,omitempty"`
	URL            string              `json:"url,omitempty"`
	ReqIdentifier  string              `json:"reqIdentifier,omitempty"`
	ReqDisplayName string              `json:"reqDisplayName,omitempty"`
}

// EventJob records one tracking event.
type EventJob struct {
	ProjectID      string              `json:"projectId"`
	UserID         string              `json:"userId"`
	EventID        string              `json:"eventId"`
	SessionID      string              `json:"sessionId"`
	ContextID      string              `json:"contextId,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	Name           string              `json:"name"`
	Headers        map[string][]string `json:"headers"`
	CustomData     map[string]any      `json:"customData,omitempty"`
	URL            string              `json:"url,omitempty"`
	ReqIdentifier  string              `json:"reqIdentifier,omitempty"`
	ReqDisplayName string              `json:"reqDisplayName,omitempty"`
	IPAddress      string              `json:"ipAddress"`
}

// MergeUserJob reassigns everything owned by OldUserID to NewUserID.
// Sent when an anonymous visitor identifies.
type MergeUserJob struct {
	ProjectID   string `json:"projectId"`
	OldUserID   string `json:"oldUserId"`
	NewUserID   string `json:"newUserId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ProfilePatch is the three-section patch applied by the profile updater.
type ProfilePatch struct {
	Set     map[string]any `json:"set,omitempty"`
	SetOnce map[string]any `json:"setOnce,omitempty"`
	Unset   []string       `json:"unset,omitempty"`
}

// UpdateUserJob applies a profile patch at a given watermark.
type UpdateUserJob struct {
	ProjectID   string        `json:"projectId"`
	UserID      string        `json:"userId"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	DisplayName string        `json:"displayName,omitempty"`
	Data        *ProfilePatch `json:"data,omitempty"`
}
