package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(CreateUserJob{
		ProjectID: "proj-1",
		UserID:    "user-1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IPAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	env := &Envelope{
		ID:         "job-1",
		Queue:      QueueCreateUser,
		Attempt:    2,
		EnqueuedAt: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Payload:    payload,
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ID != env.ID || decoded.Queue != env.Queue || decoded.Attempt != env.Attempt {
		t.Errorf("decoded envelope = %+v, want %+v", decoded, env)
	}
	if !decoded.EnqueuedAt.Equal(env.EnqueuedAt) {
		t.Errorf("enqueuedAt = %v, want %v", decoded.EnqueuedAt, env.EnqueuedAt)
	}

	var job CreateUserJob
	if err := json.Unmarshal(decoded.Payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.ProjectID != "proj-1" || job.UserID != "user-1" {
		t.Errorf("payload = %+v", job)
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	if _, err := DecodeEnvelope(nil); !errors.Is(err, ErrEmptyEnvelope) {
		t.Errorf("empty input: got %v, want ErrEmptyEnvelope", err)
	}

	if _, err := DecodeEnvelope([]byte("not cbor at all")); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("garbage input: got %v, want ErrInvalidEnvelope", err)
	}

	// A structurally valid envelope without a queue is rejected.
	data, err := EncodeEnvelope(&Envelope{ID: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEnvelope(data); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("missing queue: got %v, want ErrInvalidEnvelope", err)
	}
}

func TestQueueSerialized(t *testing.T) {
	serialized := []Queue{QueueCreateDevice, QueueCreateUser, QueueSession, QueueUpdateUser, QueueMergeUser}
	for _, q := range serialized {
		if !q.Serialized() {
			t.Errorf("%s should be serialized", q)
		}
	}
	if QueueEvent.Serialized() {
		t.Error("event queue must run in parallel")
	}
}
