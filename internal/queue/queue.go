// Package queue implements the Redis-backed job queue for forecasting and
// scheduling work, plus a secondary index (JobCache) for looking up the jobs
// belonging to an entity without scanning whole queues.
//
// Jobs are stored as JSON values with a TTL; each queue keeps a pending list
// that workers pull from with a blocking pop. Enqueueing a job id that is
// already pending replaces the stored descriptor and keeps a single pending
// entry, which is what makes deterministic scheduling job ids overwrite
// outdated work.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridflex/gridflex/internal/model"
)

// ErrJobNotFound is returned when a job id cannot be resolved, typically
// because the job expired from the backing store.
var ErrJobNotFound = errors.New("queue: job not found")

// Client talks to the Redis job store.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
	jobTTL time.Duration
}

// New creates a queue client. jobTTL bounds how long finished and failed
// jobs stay resolvable; zero means no expiry.
func New(rdb *redis.Client, logger *slog.Logger, jobTTL time.Duration) *Client {
	return &Client{rdb: rdb, logger: logger, jobTTL: jobTTL}
}

// Ping checks connectivity to Redis.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func jobKey(id string) string { return "gridflex:job:" + id }

func pendingKey(queue model.QueueName) string { return "gridflex:queue:" + string(queue) }

// Enqueue stores the descriptor and appends its id to the queue's pending
// list. Re-enqueueing an existing id overwrites the descriptor and moves the
// id to the back of the list without duplicating it.
func (c *Client) Enqueue(ctx context.Context, job model.JobDescriptor) error {
	if job.ID == "" {
		return fmt.Errorf("queue: job id is required")
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, c.jobTTL)
	pipe.LRem(ctx, pendingKey(job.Queue), 0, job.ID)
	pipe.RPush(ctx, pendingKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", job.ID, err)
	}

	c.logger.Info("job enqueued", "job_id", job.ID, "queue", job.Queue, "sensor_id", job.SensorID)
	return nil
}

// Fetch resolves a job id against the store.
func (c *Client) Fetch(ctx context.Context, id string) (model.JobDescriptor, error) {
	data, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.JobDescriptor{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return model.JobDescriptor{}, fmt.Errorf("queue: fetch job %s: %w", id, err)
	}
	var job model.JobDescriptor
	if err := json.Unmarshal(data, &job); err != nil {
		return model.JobDescriptor{}, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	return job, nil
}

// Pull blocks up to timeout for the next pending job id on the queue and
// resolves it. Returns ErrJobNotFound when the wait timed out or the popped
// id had already expired; callers should simply poll again.
func (c *Client) Pull(ctx context.Context, queue model.QueueName, timeout time.Duration) (model.JobDescriptor, error) {
	res, err := c.rdb.BLPop(ctx, timeout, pendingKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return model.JobDescriptor{}, ErrJobNotFound
	}
	if err != nil {
		return model.JobDescriptor{}, fmt.Errorf("queue: pull from %s: %w", queue, err)
	}
	// BLPop returns [key, value].
	return c.Fetch(ctx, res[1])
}

// Update overwrites the stored descriptor, keeping the existing TTL.
func (c *Client) Update(ctx context.Context, job model.JobDescriptor) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	if err := c.rdb.Set(ctx, jobKey(job.ID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("queue: update job %s: %w", job.ID, err)
	}
	return nil
}

// Requeue pushes a job id back onto its pending list for another attempt.
func (c *Client) Requeue(ctx context.Context, job model.JobDescriptor) error {
	if err := c.Update(ctx, job); err != nil {
		return err
	}
	if err := c.rdb.RPush(ctx, pendingKey(job.Queue), job.ID).Err(); err != nil {
		return fmt.Errorf("queue: requeue job %s: %w", job.ID, err)
	}
	return nil
}
