package ingestion

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisQueue connects to the server named by RFI_TEST_REDIS_ADDR under a throwaway prefix.
func newRedisQueue(t *testing.T, lease time.Duration) (*RedisQueue, *redis.Client) {
	t.Helper()
	addr := os.Getenv("RFI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RFI_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	q := NewRedisQueue(client, "rfi-test-"+uuid.NewString(), 4, lease)
	q.poll = 50 * time.Millisecond
	t.Cleanup(func() {
		client.Del(context.Background(), q.key, q.processingKey, q.leaseKey, q.delayedKey, q.deadKey)
		_ = client.Close()
	})
	return q, client
}

func TestRedisQueueRecoversExpiredLease(t *testing.T) {
	q, client := newRedisQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	job := NewMessageJob(sender, "msg-1")
	if ok, err := q.TryEnqueue(ctx, job); err != nil || !ok {
		t.Fatalf("enqueue: %v %v", ok, err)
	}
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n, _ := client.LLen(ctx, q.processingKey).Result(); n != 1 {
		t.Fatalf("expected job held in flight, got %d", n)
	}

	// The worker dies without acknowledging.
	if n, err := q.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("expected live lease kept, got %d %v", n, err)
	}
	time.Sleep(40 * time.Millisecond)
	if n, err := q.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("expected expired lease recovered, got %d %v", n, err)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after recover: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected %s handed out again, got %s", first.ID, again.ID)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := client.LLen(ctx, q.processingKey).Result(); n != 0 {
		t.Fatalf("expected nothing in flight after ack, got %d", n)
	}
	if n, _ := client.HLen(ctx, q.leaseKey).Result(); n != 0 {
		t.Fatalf("expected lease cleared, got %d", n)
	}
}

func TestRedisQueueDelayedRetry(t *testing.T) {
	q, client := newRedisQueue(t, time.Minute)
	ctx := context.Background()

	if ok, err := q.TryEnqueue(ctx, NewMessageJob(sender, "msg-2")); err != nil || !ok {
		t.Fatalf("enqueue: %v %v", ok, err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	job.Attempt++
	if err := q.Retry(ctx, job, 100*time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n, _ := client.LLen(ctx, q.processingKey).Result(); n != 0 {
		t.Fatalf("expected lease released by retry, got %d in flight", n)
	}
	if n, _ := client.ZCard(ctx, q.delayedKey).Result(); n != 1 {
		t.Fatalf("expected one delayed retry, got %d", n)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short); err == nil {
		t.Fatalf("expected retry held until due")
	}

	retried, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if retried.ID != job.ID || retried.Attempt != 1 {
		t.Fatalf("expected retried job with attempt 1, got %+v", retried)
	}
	if err := q.DeadLetter(ctx, retried, context.DeadlineExceeded); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if n, _ := client.LLen(ctx, q.deadKey).Result(); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
	if n, _ := client.LLen(ctx, q.processingKey).Result(); n != 0 {
		t.Fatalf("expected nothing in flight, got %d", n)
	}
}
