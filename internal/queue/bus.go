// Package queue is the Queue Bus (§3, §4.3): per-service FIFO dispatch
// queues, a shared status-report queue, and the atomic join counters the
// Graph Planner's fan-in handling depends on. Grounded on the
// internal/realtime/bus redis construction (env-driven, ping-on-init) and
// generalized from pub/sub to durable list-backed queues, since dispatch
// messages must survive until a worker is available to pop them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jamesstaub/listenup/internal/platform/logger"
)

const statusQueueName = "job_status_events"

// ErrEmpty is returned by Dequeue/ConsumeStatus when the wait times out
// without a message arriving — a normal condition, not a failure.
var ErrEmpty = errors.New("queue: empty")

// Bus is the engine-facing contract over the message-queue transport.
type Bus interface {
	Enqueue(ctx context.Context, service string, msg DispatchMessage) error
	Dequeue(ctx context.Context, service string, timeout time.Duration) (*DispatchMessage, error)

	PublishStatus(ctx context.Context, msg StatusMessage) error
	ConsumeStatus(ctx context.Context, timeout time.Duration) (*StatusMessage, error)

	// InitJoin arms the fan-in join counter for stepName at n, the width of
	// the fanned-out producer feeding it (§4.2, §5). stepName is the join
	// (consumer) step's name, not the producer being fanned out — the
	// counter belongs to whichever step is waiting on all n instances.
	InitJoin(ctx context.Context, jobID uuid.UUID, stepName string, n int) error

	// DecrementJoin atomically decrements stepName's join counter and
	// returns the remaining count — the happens-before edge with the join's
	// readiness (§5). A return of 0 means the caller's completion was the
	// last one the join was waiting on.
	DecrementJoin(ctx context.Context, jobID uuid.UUID, stepName string) (int64, error)

	Close() error
}

type redisBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisBus dials Redis from REDIS_ADDR, pinging once to fail fast on a
// bad configuration rather than on the first real Enqueue.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{log: log.With("component", "QueueBus"), rdb: rdb}, nil
}

func serviceQueueKey(service string) string {
	return fmt.Sprintf("%s_queue", service)
}

func joinKey(jobID uuid.UUID, stepName string) string {
	return fmt.Sprintf("job:%s:join:%s", jobID, stepName)
}

func (b *redisBus) Enqueue(ctx context.Context, service string, msg DispatchMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	return b.rdb.RPush(ctx, serviceQueueKey(service), raw).Err()
}

func (b *redisBus) Dequeue(ctx context.Context, service string, timeout time.Duration) (*DispatchMessage, error) {
	res, err := b.rdb.BLPop(ctx, timeout, serviceQueueKey(service)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply shape: %v", res)
	}
	var msg DispatchMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch message: %w", err)
	}
	return &msg, nil
}

func (b *redisBus) PublishStatus(ctx context.Context, msg StatusMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status message: %w", err)
	}
	return b.rdb.RPush(ctx, statusQueueName, raw).Err()
}

func (b *redisBus) ConsumeStatus(ctx context.Context, timeout time.Duration) (*StatusMessage, error) {
	res, err := b.rdb.BLPop(ctx, timeout, statusQueueName).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply shape: %v", res)
	}
	var msg StatusMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal status message: %w", err)
	}
	return &msg, nil
}

func (b *redisBus) InitJoin(ctx context.Context, jobID uuid.UUID, stepName string, n int) error {
	return b.rdb.Set(ctx, joinKey(jobID, stepName), n, 24*time.Hour).Err()
}

// decrementJoinScript decrements the counter and deletes the key in the same
// round trip once it reaches zero, so a completed join never lingers.
var decrementJoinScript = goredis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n
`)

func (b *redisBus) DecrementJoin(ctx context.Context, jobID uuid.UUID, stepName string) (int64, error) {
	res, err := decrementJoinScript.Run(ctx, b.rdb, []string{joinKey(jobID, stepName)}).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected join-decrement reply type %T", res)
	}
	return n, nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
