package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gridflex/gridflex/internal/model"
)

// JobCache is a secondary index mapping (queue, entity kind, entity id) to
// the set of job ids created for that entity. Membership is advisory: ids
// whose backing job has expired are evicted lazily on the next read.
type JobCache struct {
	client *Client
}

// NewJobCache creates a cache over the same Redis store as the queue client.
func NewJobCache(client *Client) *JobCache {
	return &JobCache{client: client}
}

func cacheKey(queue model.QueueName, kind model.EntityKind, entityID int) string {
	return "gridflex:jobcache:" + string(queue) + ":" + string(kind) + ":" + strconv.Itoa(entityID)
}

// Add records a job id for the entity. Set semantics dedupe repeats.
func (jc *JobCache) Add(ctx context.Context, queue model.QueueName, kind model.EntityKind, entityID int, jobID string) error {
	if err := jc.client.rdb.SAdd(ctx, cacheKey(queue, kind, entityID), jobID).Err(); err != nil {
		return fmt.Errorf("queue: cache add %s: %w", jobID, err)
	}
	return nil
}

// Get resolves every cached job id for the entity, removing ids that no
// longer resolve (read-repair). Callers may see anywhere from zero to all
// jobs on a given call depending on external TTL timing, but never the same
// stale id twice.
func (jc *JobCache) Get(ctx context.Context, queue model.QueueName, kind model.EntityKind, entityID int) ([]model.JobDescriptor, error) {
	key := cacheKey(queue, kind, entityID)
	ids, err := jc.client.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: cache read %s: %w", key, err)
	}

	jobs := make([]model.JobDescriptor, 0, len(ids))
	var stale []any
	for _, id := range ids {
		job, err := jc.client.Fetch(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if len(stale) > 0 {
		if err := jc.client.rdb.SRem(ctx, key, stale...).Err(); err != nil {
			jc.client.logger.Warn("job cache eviction failed", "key", key, "error", err)
		}
	}
	return jobs, nil
}
