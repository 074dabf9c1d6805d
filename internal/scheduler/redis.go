package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/capsule-forge/internal/observability"
)

// DefaultQueueKey is the sorted set holding due times of scheduled jobs
const DefaultQueueKey = "capsule:jobs:scheduled"

// DefaultPollInterval is how often workers look for due jobs
const DefaultPollInterval = 500 * time.Millisecond

// RedisOptions configures a RedisQueue
type RedisOptions struct {
	Key          string
	PollInterval time.Duration
	Concurrency  int
	// BatchSize caps how many due jobs one poll claims
	BatchSize int64
}

// RedisQueue is a delayed job queue on a Redis sorted set scored by due time in unix ms.
// Scheduling a job that is already queued keeps the earlier due time.
type RedisQueue struct {
	rdb  *goredis.Client
	opts RedisOptions
	log  *observability.Logger
	now  func() time.Time
}

// NewRedisQueue creates a RedisQueue using an existing client
func NewRedisQueue(rdb *goredis.Client, opts RedisOptions, log *observability.Logger) *RedisQueue {
	if opts.Key == "" {
		opts.Key = DefaultQueueKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = int64(opts.Concurrency)
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &RedisQueue{rdb: rdb, opts: opts, log: log, now: time.Now}
}

// Schedule enqueues the job to run after delay
func (q *RedisQueue) Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := q.now().Add(delay).UnixMilli()
	err := q.rdb.ZAddArgs(ctx, q.opts.Key, goredis.ZAddArgs{
		LT:      true,
		Members: []goredis.Z{{Score: float64(due), Member: jobID.String()}},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// Len reports how many jobs are queued, due or not
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.opts.Key).Result()
}

// claimDue removes and returns up to BatchSize jobs whose due time has passed. ZREM decides
// ownership, so a job is claimed by exactly one poller across processes.
func (q *RedisQueue) claimDue(ctx context.Context) ([]uuid.UUID, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.opts.Key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	var claimed []uuid.UUID
	for _, m := range members {
		n, err := q.rdb.ZRem(ctx, q.opts.Key, m).Result()
		if err != nil {
			return claimed, fmt.Errorf("redis zrem: %w", err)
		}
		if n == 0 {
			continue
		}
		id, err := uuid.Parse(m)
		if err != nil {
			q.log.Warn("dropping malformed queue member", "member", m)
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// Run polls for due jobs and runs handler on Concurrency workers until ctx ends
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	work := make(chan uuid.UUID)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			for id := range work {
				if err := handler(ctx, id); err != nil {
					q.log.Warn("queued invocation returned error", "job_id", id, "error", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		ticker := time.NewTicker(q.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			ids, err := q.claimDue(ctx)
			if err != nil && ctx.Err() == nil {
				q.log.Warn("queue poll failed", "error", err)
			}
			for _, id := range ids {
				select {
				case work <- id:
				case <-ctx.Done():
					// put it back so another worker picks it up
					if err := q.Schedule(context.Background(), id, 0); err != nil {
						q.log.Error("failed to requeue job on shutdown", "job_id", id, "error", err)
					}
				}
			}
		}
	})

	q.log.Info("queue workers started", "key", q.opts.Key, "concurrency", q.opts.Concurrency)
	err := g.Wait()
	q.log.Info("queue workers stopped")
	return err
}
