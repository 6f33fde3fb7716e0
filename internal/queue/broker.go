package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker errors.
var (
	// ErrNoJob is returned by Pop when the wait timeout elapses with no
	// job available. It is not a failure.
	ErrNoJob = errors.New("no job available")

	// ErrBrokerUnavailable wraps connectivity failures to the broker.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrLeaseHeld is returned by AcquireLease when another worker holds
	// the queue's lease.
	ErrLeaseHeld = errors.New("queue lease held by another worker")
)

// Broker is the minimal contract the transport and workers need from the
// underlying message broker. Implementations must be safe for concurrent
// use.
type Broker interface {
	// Ping probes broker liveness.
	Ping(ctx context.Context) error

	// Push appends a serialized job to the tail of a queue.
	Push(ctx context.Context, q Queue, data []byte) error

	// Pop moves the job at the head of a queue onto the queue's
	// processing list and returns it, blocking up to wait. Returns
	// ErrNoJob when the wait elapses empty. The job stays on the
	// processing list until Ack so a consumer crash cannot lose it.
	Pop(ctx context.Context, q Queue, wait time.Duration) ([]byte, error)

	// Ack removes a delivered job from the queue's processing list once
	// handling finished (success or dead-letter).
	Ack(ctx context.Context, q Queue, data []byte) error

	// Reclaim moves jobs stranded on the processing list back onto the
	// queue. Called at worker startup; a reclaimed job is a redelivery,
	// which handlers already tolerate. Returns how many were requeued.
	Reclaim(ctx context.Context, q Queue) (int64, error)

	// Depth returns the number of jobs currently waiting on a queue.
	Depth(ctx context.Context, q Queue) (int64, error)

	// AcquireLease takes the system-wide consumer lease for a serialized
	// queue for ttl. Returns ErrLeaseHeld if another worker owns it.
	AcquireLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error

	// RenewLease extends a held lease. Fails if the owner no longer
	// holds it.
	RenewLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error

	// ReleaseLease gives up a held lease. Releasing a lease owned by
	// someone else is a no-op.
	ReleaseLease(ctx context.Context, q Queue, owner string) error
}

// RedisBroker implements Broker on a redis list per queue, with SET NX PX
// keys for serialized-queue leases.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a broker backed by the given redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Ping probes redis liveness.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return wrapBrokerErr(err)
	}
	return nil
}

// Push LPUSHes the job; consumers BRPOP, so the list behaves as a queue.
func (b *RedisBroker) Push(ctx context.Context, q Queue, data []byte) error {
	if err := b.client.LPush(ctx, q.Key(), data).Err(); err != nil {
		return wrapBrokerErr(err)
	}
	return nil
}

func processingKey(q Queue) string {
	return "hitpipe:processing:" + string(q)
}

// Pop BLMOVEs the next job onto the processing list, blocking up to
// wait. The job is only removed from the processing list by Ack, so a
// crash between pop and handler completion leaves it reclaimable.
func (b *RedisBroker) Pop(ctx context.Context, q Queue, wait time.Duration) ([]byte, error) {
	res, err := b.client.BLMove(ctx, q.Key(), processingKey(q), "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, wrapBrokerErr(err)
	}
	return []byte(res), nil
}

// Ack LREMs the delivered job from the processing list.
func (b *RedisBroker) Ack(ctx context.Context, q Queue, data []byte) error {
	if err := b.client.LRem(ctx, processingKey(q), 1, data).Err(); err != nil {
		return wrapBrokerErr(err)
	}
	return nil
}

// Reclaim drains the processing list back onto the queue, oldest
// delivery first so reclaimed jobs are redelivered before new ones.
func (b *RedisBroker) Reclaim(ctx context.Context, q Queue) (int64, error) {
	var moved int64
	for {
		err := b.client.LMove(ctx, processingKey(q), q.Key(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, wrapBrokerErr(err)
		}
		moved++
	}
}

// Depth returns LLEN of the queue list.
func (b *RedisBroker) Depth(ctx context.Context, q Queue) (int64, error) {
	n, err := b.client.LLen(ctx, q.Key()).Result()
	if err != nil {
		return 0, wrapBrokerErr(err)
	}
	return n, nil
}

func leaseKey(q Queue) string {
	return "hitpipe:lease:" + string(q)
}

// AcquireLease takes the queue lease with SET NX PX.
func (b *RedisBroker) AcquireLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error {
	ok, err := b.client.SetNX(ctx, leaseKey(q), owner, ttl).Result()
	if err != nil {
		return wrapBrokerErr(err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// renewScript extends the lease only when the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RenewLease extends a held lease, failing if ownership was lost.
func (b *RedisBroker) RenewLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, b.client, []string{leaseKey(q)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return wrapBrokerErr(err)
	}
	if res == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// releaseScript deletes the lease only when the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ReleaseLease gives up a held lease.
func (b *RedisBroker) ReleaseLease(ctx context.Context, q Queue, owner string) error {
	if err := releaseScript.Run(ctx, b.client, []string{leaseKey(q)}, owner).Err(); err != nil {
		return wrapBrokerErr(err)
	}
	return nil
}

func wrapBrokerErr(err error) error {
	return errors.Join(ErrBrokerUnavailable, err)
}

// InMemoryBroker implements Broker with in-process queues. Used for
// testing and development.
type InMemoryBroker struct {
	mu         sync.Mutex
	queues     map[Queue][][]byte
	processing map[Queue][][]byte
	leases     map[Queue]lease
	down       bool
	pings      int
	pushes     int
	nonempt    *sync.Cond
}

type lease struct {
	owner   string
	expires time.Time
}

// NewInMemoryBroker creates an empty in-memory broker.
func NewInMemoryBroker() *InMemoryBroker {
	b := &InMemoryBroker{
		queues:     make(map[Queue][][]byte),
		processing: make(map[Queue][][]byte),
		leases:     make(map[Queue]lease),
	}
	b.nonempt = sync.NewCond(&b.mu)
	return b
}

// SetDown toggles simulated broker unavailability.
func (b *InMemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
	b.nonempt.Broadcast()
}

// Pings returns how many liveness probes the broker has served.
func (b *InMemoryBroker) Pings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pings
}

// Ping probes simulated liveness.
func (b *InMemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	if b.down {
		return ErrBrokerUnavailable
	}
	return nil
}

// Push appends a job to the tail of a queue.
func (b *InMemoryBroker) Push(ctx context.Context, q Queue, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerUnavailable
	}
	b.pushes++
	b.queues[q] = append(b.queues[q], data)
	b.nonempt.Broadcast()
	return nil
}

// Pop moves the head of a queue to its processing list, waiting up to
// wait for one to appear.
func (b *InMemoryBroker) Pop(ctx context.Context, q Queue, wait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(wait)

	// Wake waiters periodically so the deadline and context are honored;
	// sync.Cond has no timed wait.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.mu.Lock()
				b.nonempt.Broadcast()
				b.mu.Unlock()
			}
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.down {
			return nil, ErrBrokerUnavailable
		}
		if items := b.queues[q]; len(items) > 0 {
			head := items[0]
			b.queues[q] = items[1:]
			b.processing[q] = append(b.processing[q], head)
			return head, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, ErrNoJob
		}
		b.nonempt.Wait()
	}
}

// Ack removes a delivered job from the processing list.
func (b *InMemoryBroker) Ack(ctx context.Context, q Queue, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.processing[q]
	for i, item := range pending {
		if bytes.Equal(item, data) {
			b.processing[q] = append(pending[:i], pending[i+1:]...)
			return nil
		}
	}
	return nil
}

// Reclaim requeues unacked jobs ahead of waiting ones.
func (b *InMemoryBroker) Reclaim(ctx context.Context, q Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stranded := b.processing[q]
	if len(stranded) == 0 {
		return 0, nil
	}
	b.queues[q] = append(stranded, b.queues[q]...)
	b.processing[q] = nil
	b.nonempt.Broadcast()
	return int64(len(stranded)), nil
}

// Depth returns the number of waiting jobs.
func (b *InMemoryBroker) Depth(ctx context.Context, q Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[q])), nil
}

// AcquireLease takes the queue lease if free or expired.
func (b *InMemoryBroker) AcquireLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerUnavailable
	}
	l, held := b.leases[q]
	if held && l.owner != owner && time.Now().Before(l.expires) {
		return ErrLeaseHeld
	}
	b.leases[q] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

// RenewLease extends a held lease.
func (b *InMemoryBroker) RenewLease(ctx context.Context, q Queue, owner string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, held := b.leases[q]
	if !held || l.owner != owner {
		return ErrLeaseHeld
	}
	b.leases[q] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

// ReleaseLease gives up a held lease.
func (b *InMemoryBroker) ReleaseLease(ctx context.Context, q Queue, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, held := b.leases[q]; held && l.owner == owner {
		delete(b.leases, q)
	}
	return nil
}
