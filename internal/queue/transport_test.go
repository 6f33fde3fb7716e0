package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTransport_ProbeIsStickyAfterSuccess(t *testing.T) {
	broker := NewInMemoryBroker()
	failed := NewInMemoryFailedJobStore()
	transport := NewTransport(broker, failed, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := transport.Enqueue(ctx, QueueEvent, EventJob{ProjectID: "p", EventID: "e"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Only the first enqueue probes; once any push succeeds the known-
	// healthy state skips the per-call ping.
	if broker.Pings() != 1 {
		t.Errorf("pings = %d, want 1", broker.Pings())
	}

	depth, _ := broker.Depth(ctx, QueueEvent)
	if depth != 3 {
		t.Errorf("queue depth = %d, want 3", depth)
	}
}

func TestTransport_ParksJobWhenBrokerDown(t *testing.T) {
	broker := NewInMemoryBroker()
	broker.SetDown(true)
	failed := NewInMemoryFailedJobStore()
	transport := NewTransport(broker, failed, nil, nil)
	ctx := context.Background()

	job := CreateUserJob{ProjectID: "p", UserID: "u", CreatedAt: time.Now()}
	if err := transport.Enqueue(ctx, QueueCreateUser, job); err != nil {
		t.Fatalf("enqueue must be fire-and-forget, got error: %v", err)
	}

	parked, err := failed.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed jobs: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("parked jobs = %d, want 1", len(parked))
	}

	record := parked[0]
	if record.Queue != QueueCreateUser {
		t.Errorf("parked queue = %s, want %s", record.Queue, QueueCreateUser)
	}
	if record.Error == "" {
		t.Error("parked record should carry the enqueue error")
	}

	// The parked payload is the JSON job body, replayable as-is.
	var replay CreateUserJob
	if err := json.Unmarshal(record.Payload, &replay); err != nil {
		t.Fatalf("parked payload is not replayable JSON: %v", err)
	}
	if replay.ProjectID != "p" || replay.UserID != "u" {
		t.Errorf("replayed job = %+v", replay)
	}
}

func TestTransport_RecoversAfterOutage(t *testing.T) {
	broker := NewInMemoryBroker()
	failed := NewInMemoryFailedJobStore()
	transport := NewTransport(broker, failed, nil, nil)
	ctx := context.Background()

	// Healthy, then outage, then recovery.
	if err := transport.Enqueue(ctx, QueueEvent, EventJob{EventID: "1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	broker.SetDown(true)
	if err := transport.Enqueue(ctx, QueueEvent, EventJob{EventID: "2"}); err != nil {
		t.Fatalf("enqueue during outage: %v", err)
	}

	broker.SetDown(false)
	if err := transport.Enqueue(ctx, QueueEvent, EventJob{EventID: "3"}); err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}

	depth, _ := broker.Depth(ctx, QueueEvent)
	if depth != 2 {
		t.Errorf("queue depth = %d, want 2 (jobs 1 and 3)", depth)
	}

	parked, _ := failed.List(ctx, 10)
	if len(parked) != 1 {
		t.Errorf("parked jobs = %d, want 1 (job 2)", len(parked))
	}

	// The push failure during the outage must drop the sticky flag, so
	// recovery re-probes before pushing again.
	if broker.Pings() < 2 {
		t.Errorf("pings = %d, want at least 2 (initial probe plus re-probe after outage)", broker.Pings())
	}
}

func TestTransport_SerializationFailureIsReturned(t *testing.T) {
	transport := NewTransport(NewInMemoryBroker(), NewInMemoryFailedJobStore(), nil, nil)

	// Channels cannot be marshaled; this is a programming error, not an
	// infra failure, so Enqueue reports it.
	if err := transport.Enqueue(context.Background(), QueueEvent, make(chan int)); err == nil {
		t.Error("expected serialization error")
	}
}
