package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Moves due members of the delayed set onto the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
  redis.call('ZREM', KEYS[1], v)
  redis.call('RPUSH', KEYS[2], v)
end
return #due
`)

// Returns one in-flight entry to the ready list if it is still in flight.
var releaseLease = redis.NewScript(`
local moved = redis.call('LREM', KEYS[1], 1, ARGV[1])
if moved == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HDEL', KEYS[3], ARGV[1])
return moved
`)

// RedisQueue keeps jobs in Redis so they survive restarts.
// Producers LPUSH onto the ready list and workers BLMOVE entries into a
// processing list, leasing them until Ack, Retry or DeadLetter. Delayed
// retries wait in a sorted set scored by due time.
type RedisQueue struct {
	client        *redis.Client
	key           string
	processingKey string
	leaseKey      string
	delayedKey    string
	deadKey       string
	capacity      int
	lease         time.Duration
	poll          time.Duration
	promoteBatch  int
	closed        chan struct{}
}

// NewRedisQueue creates a queue under prefix. Jobs not acknowledged within
// lease are handed out again by Recover.
func NewRedisQueue(client *redis.Client, prefix string, capacity int, lease time.Duration) *RedisQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		key:           prefix + ":ingest:jobs",
		processingKey: prefix + ":ingest:processing",
		leaseKey:      prefix + ":ingest:leases",
		delayedKey:    prefix + ":ingest:delayed",
		deadKey:       prefix + ":ingest:dead",
		capacity:      capacity,
		lease:         lease,
		poll:          time.Second,
		promoteBatch:  100,
		closed:        make(chan struct{}),
	}
}

func (q *RedisQueue) TryEnqueue(ctx context.Context, job Job) (bool, error) {
	select {
	case <-q.closed:
		return false, ErrQueueClosed
	default:
	}
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return false, fmt.Errorf("queue depth: %w", err)
	}
	if int(depth) >= q.capacity {
		return false, nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return false, fmt.Errorf("push job: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-q.closed:
			return Job{}, ErrQueueClosed
		case <-ctx.Done():
			return Job{}, ctx.Err()
		default:
		}
		if err := q.promote(ctx); err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("pop job: %w", err)
		}
		deadline := time.Now().Add(q.lease).UnixMilli()
		if err := q.client.HSet(ctx, q.leaseKey, raw, deadline).Err(); err != nil {
			return Job{}, fmt.Errorf("lease job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			job.lease = raw
			_ = q.DeadLetter(ctx, job, fmt.Errorf("decode job: %w", err))
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		job.lease = raw
		return job, nil
	}
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteDue.Run(ctx, q.client, []string{q.delayedKey, q.key}, now, q.promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	if job.lease == "" {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, job.lease)
		pipe.HDel(ctx, q.leaseKey, job.lease)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	lease := job.lease
	job.lease = ""
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if lease != "" {
			pipe.LRem(ctx, q.processingKey, 1, lease)
			pipe.HDel(ctx, q.leaseKey, lease)
		}
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: string(payload)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry of %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, job Job, cause error) error {
	entry := DeadLetter{Job: job, Failed: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.deadKey, payload)
		if job.lease != "" {
			pipe.LRem(ctx, q.processingKey, 1, job.lease)
			pipe.HDel(ctx, q.leaseKey, job.lease)
		}
		return nil
	})
	return err
}

// Recover hands back in-flight entries whose lease has expired. An entry
// without a lease gets one first, so a worker caught between BLMOVE and
// HSET keeps its job for one more lease period.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list in-flight jobs: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	leases, err := q.client.HGetAll(ctx, q.leaseKey).Result()
	if err != nil {
		return 0, fmt.Errorf("load leases: %w", err)
	}
	now := time.Now()
	recovered := 0
	for _, entry := range entries {
		value, ok := leases[entry]
		if !ok {
			q.client.HSetNX(ctx, q.leaseKey, entry, now.Add(q.lease).UnixMilli())
			continue
		}
		deadline, err := strconv.ParseInt(value, 10, 64)
		if err == nil && now.UnixMilli() < deadline {
			continue
		}
		moved, err := releaseLease.Run(ctx, q.client, []string{q.processingKey, q.key, q.leaseKey}, entry).Int()
		if err != nil {
			return recovered, fmt.Errorf("release lease: %w", err)
		}
		recovered += moved
	}
	return recovered, nil
}

func (q *RedisQueue) Depth(ctx context.Context) int {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (q *RedisQueue) Capacity() int { return q.capacity }

func (q *RedisQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
