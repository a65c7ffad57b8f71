package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions locates the job list.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	List     string
}

// RedisSource keeps jobs as JSON documents in a Redis list: producers push
// to the tail and workers pop from the head.
type RedisSource struct {
	client *redis.Client
	list   string
}

// NewRedisSource connects to Redis and checks the connection.
func NewRedisSource(ctx context.Context, opts RedisOptions) (*RedisSource, error) {
	if opts.List == "" {
		return nil, errors.New("queue: redis list name is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisSource{client: client, list: opts.List}, nil
}

// Close releases the connection pool.
func (r *RedisSource) Close() error {
	return r.client.Close()
}

// Enqueue implements Source.
func (r *RedisSource) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := r.client.RPush(ctx, r.list, payload).Err(); err != nil {
		return fmt.Errorf("queue: push job: %w", err)
	}
	return nil
}

// Len returns the number of queued jobs.
func (r *RedisSource) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.list).Result()
}

// Receive implements Source. The first job is taken with a blocking pop,
// the rest without waiting.
func (r *RedisSource) Receive(ctx context.Context, limit int, wait time.Duration) ([]Job, error) {
	limit = maxBatch(limit)

	first, err := r.client.BLPop(ctx, wait, r.list).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop job: %w", err)
	}
	// BLPOP answers with the list name followed by the element
	raw := []string{first[1]}

	for len(raw) < limit {
		next, err := r.client.LPop(ctx, r.list).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			// the jobs popped so far are gone from the list
			jobs, decodeErr := decodeJobs(raw)
			return jobs, errors.Join(fmt.Errorf("queue: pop job: %w", err), decodeErr)
		}
		raw = append(raw, next)
	}
	return decodeJobs(raw)
}

// decodeJobs decodes every payload it can. Undecodable payloads are
// skipped and reported together in the error.
func decodeJobs(raw []string) ([]Job, error) {
	jobs := make([]Job, 0, len(raw))
	var errs []error
	for _, payload := range raw {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			errs = append(errs, fmt.Errorf("queue: decode job %q: %w", payload, err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}
