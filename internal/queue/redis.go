package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/msageha/jobs/internal/model"
)

// RedisConfig holds the options of the redis driver.
type RedisConfig struct {
	URL            string
	Prefix         string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

func redisConfigFrom(opts Options) RedisConfig {
	return RedisConfig{
		URL:            opts.String("url", "redis://localhost:6379/0"),
		Prefix:         opts.String("prefix", "jobs"),
		RetryAttempts:  opts.Int("retry_attempts", 3),
		RetryInterval:  opts.Duration("retry_interval", 5*time.Second),
		ConnectTimeout: opts.Duration("connect_timeout", 30*time.Second),
	}
}

// ConnectRedis parses cfg.URL and pings until the server answers or attempts run out.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisURL, err)
	}

	attempts := max(cfg.RetryAttempts, 1)
	for range attempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

func openRedis(opts Options) (Driver, error) {
	cfg := redisConfigFrom(opts)
	client, err := ConnectRedis(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewRedis(client, cfg.Prefix), nil
}

type redisInflight struct {
	queue string
	raw   string
}

// Redis keeps, per queue, a ready LIST (LPUSH in, pop from the right), a
// processing LIST per consumer process, and a delayed ZSET scored by
// not_before in milliseconds. Claims use BLMOVE so a job reaches exactly one
// consumer; promotion claims a delayed member through ZREM so concurrent
// schedulers never promote it twice. A consumer that dies between pop and
// ack leaves its job in its processing list.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	consumer string

	mu       sync.Mutex
	inflight map[string]redisInflight
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	host, _ := os.Hostname()
	return &Redis{
		client:   client,
		prefix:   prefix,
		consumer: fmt.Sprintf("%s:%d", host, os.Getpid()),
		inflight: make(map[string]redisInflight),
	}
}

func (r *Redis) readyKey(queue string) string { return r.prefix + ":" + queue + ":ready" }
func (r *Redis) delayedKey(queue string) string {
	return r.prefix + ":" + queue + ":delayed"
}
func (r *Redis) processingKey(queue string) string {
	return r.prefix + ":" + queue + ":processing:" + r.consumer
}

func (r *Redis) Push(ctx context.Context, queue string, job *model.Job) (string, error) {
	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	raw, err := json.Marshal(&j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if j.Delayed(now) {
		z := redis.Z{Score: float64(j.NotBefore.UnixMilli()), Member: string(raw)}
		if err := r.client.ZAdd(ctx, r.delayedKey(queue), z).Err(); err != nil {
			return "", fmt.Errorf("redis zadd: %w", err)
		}
		return j.ID, nil
	}
	if err := r.client.LPush(ctx, r.readyKey(queue), raw).Err(); err != nil {
		return "", fmt.Errorf("redis lpush: %w", err)
	}
	return j.ID, nil
}

func (r *Redis) Pop(ctx context.Context, queue string, wait time.Duration) (*model.Job, error) {
	var (
		raw string
		err error
	)
	if wait > 0 {
		raw, err = r.client.BLMove(ctx, r.readyKey(queue), r.processingKey(queue), "RIGHT", "LEFT", wait).Result()
	} else {
		raw, err = r.client.LMove(ctx, r.readyKey(queue), r.processingKey(queue), "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis pop: %w", err)
	}

	var j model.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		// Unreadable entries are dropped from processing so they cannot wedge the queue.
		_ = r.client.LRem(ctx, r.processingKey(queue), 1, raw).Err()
		return nil, fmt.Errorf("decode job: %w", err)
	}

	r.mu.Lock()
	r.inflight[j.ID] = redisInflight{queue: queue, raw: raw}
	r.mu.Unlock()
	return &j, nil
}

func (r *Redis) take(id string) (redisInflight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
	}
	return f, ok
}

func (r *Redis) Ack(ctx context.Context, id string) error {
	f, ok := r.take(id)
	if !ok {
		return ErrUnknownJob
	}
	if err := r.client.LRem(ctx, r.processingKey(f.queue), 1, f.raw).Err(); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, id string) error {
	f, ok := r.take(id)
	if !ok {
		return ErrUnknownJob
	}
	var j model.Job
	if err := json.Unmarshal([]byte(f.raw), &j); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	j.Attempts++
	raw, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.processingKey(f.queue), 1, f.raw)
		pipe.RPush(ctx, r.readyKey(f.queue), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}

func (r *Redis) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	members, err := r.client.ZRangeByScore(ctx, r.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	promoted := 0
	for _, m := range members {
		removed, err := r.client.ZRem(ctx, r.delayedKey(queue), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("redis zrem: %w", err)
		}
		if removed == 0 {
			continue // another scheduler got it
		}
		if err := r.client.LPush(ctx, r.readyKey(queue), m).Err(); err != nil {
			return promoted, fmt.Errorf("redis lpush: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
