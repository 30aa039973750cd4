package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/platform/envutil"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// Queue is the redis-backed dispatch queue. Two sorted sets: "ready" scored
// by not-before time and "inflight" scored by lease deadline. Claiming moves
// a member between them atomically (Lua), which is what makes delivery
// at-least-once rather than at-most-once: a consumer crash only strands a
// lease, and the reaper puts the member back.
type Queue struct {
	log      *logger.Logger
	rdb      *goredis.Client
	ready    string
	inflight string
}

var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local member = due[1]
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], ARGV[2], member)
return member
`)

func New(log *logger.Logger) (*Queue, error) {
	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix := envutil.Str("REDIS_DISPATCH_PREFIX", "dispatch")

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

	return &Queue{
		log:      log.With("service", "RedisDispatchQueue"),
		rdb:      rdb,
		ready:    prefix + ":ready",
		inflight: prefix + ":inflight",
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error {
	return q.rdb.ZAdd(ctx, q.ready, goredis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: jobID.String(),
	}).Err()
}

func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*dispatch.Message, error) {
	now := time.Now()
	leaseUntil := now.Add(lease)
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.ready, q.inflight},
		now.UnixMilli(), leaseUntil.UnixMilli(),
	).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	member, ok := res.(string)
	if !ok {
		return nil, nil
	}
	jobID, err := uuid.Parse(member)
	if err != nil {
		// Poison member; drop it rather than wedge the queue.
		q.log.Warn("Dropping unparseable queue member", "member", member)
		_ = q.rdb.ZRem(ctx, q.inflight, member).Err()
		return nil, nil
	}
	return &dispatch.Message{JobID: jobID, LeaseUntil: leaseUntil}, nil
}

func (q *Queue) Ack(ctx context.Context, m *dispatch.Message) error {
	return q.rdb.ZRem(ctx, q.inflight, m.JobID.String()).Err()
}

func (q *Queue) Nack(ctx context.Context, m *dispatch.Message, retryAt time.Time) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflight, m.JobID.String())
	pipe.ZAdd(ctx, q.ready, goredis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: m.JobID.String(),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := q.rdb.ZRangeByScore(ctx, q.inflight, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, member := range expired {
		pipe.ZRem(ctx, q.inflight, member)
		pipe.ZAdd(ctx, q.ready, goredis.Z{
			Score:  float64(now.UnixMilli()),
			Member: member,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

var _ dispatch.Queue = (*Queue)(nil)
