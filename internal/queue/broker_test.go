package queue

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryBroker_PopParksOnProcessingList(t *testing.T) {
	broker := NewInMemoryBroker()
	ctx := context.Background()

	if err := broker.Push(ctx, QueueEvent, []byte("job-1")); err != nil {
		t.Fatalf("push: %v", err)
	}

	data, err := broker.Pop(ctx, QueueEvent, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !bytes.Equal(data, []byte("job-1")) {
		t.Fatalf("popped %q", data)
	}

	// The queue is drained but the job is not gone: without an ack,
	// reclaim returns it.
	if depth, _ := broker.Depth(ctx, QueueEvent); depth != 0 {
		t.Errorf("depth after pop = %d, want 0", depth)
	}
	moved, err := broker.Reclaim(ctx, QueueEvent)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if moved != 1 {
		t.Errorf("reclaimed = %d, want 1", moved)
	}

	again, err := broker.Pop(ctx, QueueEvent, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop after reclaim: %v", err)
	}
	if !bytes.Equal(again, []byte("job-1")) {
		t.Errorf("redelivered %q, want job-1", again)
	}
}

func TestInMemoryBroker_AckedJobIsNotReclaimed(t *testing.T) {
	broker := NewInMemoryBroker()
	ctx := context.Background()

	for _, payload := range []string{"job-1", "job-2"} {
		if err := broker.Push(ctx, QueueEvent, []byte(payload)); err != nil {
			t.Fatalf("push %s: %v", payload, err)
		}
	}

	first, err := broker.Pop(ctx, QueueEvent, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop first: %v", err)
	}
	if _, err := broker.Pop(ctx, QueueEvent, 50*time.Millisecond); err != nil {
		t.Fatalf("pop second: %v", err)
	}

	if err := broker.Ack(ctx, QueueEvent, first); err != nil {
		t.Fatalf("ack: %v", err)
	}

	moved, err := broker.Reclaim(ctx, QueueEvent)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if moved != 1 {
		t.Errorf("reclaimed = %d, want only the unacked job", moved)
	}

	data, err := broker.Pop(ctx, QueueEvent, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop reclaimed: %v", err)
	}
	if !bytes.Equal(data, []byte("job-2")) {
		t.Errorf("reclaimed payload = %q, want job-2", data)
	}
	if _, err := broker.Pop(ctx, QueueEvent, 20*time.Millisecond); !errors.Is(err, ErrNoJob) {
		t.Errorf("extra pop = %v, want ErrNoJob", err)
	}
}

func TestInMemoryBroker_ReclaimEmptyIsNoOp(t *testing.T) {
	broker := NewInMemoryBroker()

	moved, err := broker.Reclaim(context.Background(), QueueSession)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if moved != 0 {
		t.Errorf("reclaimed = %d, want 0", moved)
	}
}
