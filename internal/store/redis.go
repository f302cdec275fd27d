package store

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v7"
	corev1 "k8s.io/api/core/v1"
)

// Redis key layout.
const (
	redisJobKeyFmt        = "batch:job:%s"        // JSON record
	redisBatchKeyFmt      = "batch:batch:%s"      // JSON batch without counts
	redisBatchMembersFmt  = "batch:batch:%s:jobs" // SET of job ids
	redisJobIndex         = "batch:jobs"          // ZSET of job ids scored by creation time
	redisMaxUpdateRetries = 10
)

// Redis persists jobs in a Redis server. State transitions use WATCH so
// concurrent service replicas cannot both move a job out of the same state.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// OpenRedis connects to the server at addr and checks that it answers.
func OpenRedis(addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

func jobKey(id string) string          { return fmt.Sprintf(redisJobKeyFmt, id) }
func batchKey(id string) string        { return fmt.Sprintf(redisBatchKeyFmt, id) }
func batchMembersKey(id string) string { return fmt.Sprintf(redisBatchMembersFmt, id) }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.WithContext(ctx).Ping().Err()
}

func (r *Redis) CreateJob(ctx context.Context, job *model.Job, spec *corev1.PodSpec) error {
	data, err := json.Marshal(record{Job: job, Spec: spec})
	if err != nil {
		return apperrors.Internal("redis.createJob", err)
	}
	key := jobKey(job.ID)
	c := r.client.WithContext(ctx)

	err = c.Watch(func(tx *redis.Tx) error {
		n, err := tx.Exists(key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.Conflict("job", job.ID, "job already exists")
		}
		_, err = tx.TxPipelined(func(p redis.Pipeliner) error {
			p.Set(key, data, 0)
			p.ZAdd(redisJobIndex, &redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
			if job.BatchID != "" {
				p.SAdd(batchMembersKey(job.BatchID), job.ID)
			}
			return nil
		})
		return err
	}, key)
	return r.wrap("redis.createJob", err)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(key string) *redis.StringCmd
}

func (r *Redis) getRecord(c getter, id string) (*record, error) {
	data, err := c.Get(jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Internal("redis.decode", err)
	}
	return &rec, nil
}

func (r *Redis) GetJob(ctx context.Context, id string) (*model.Job, error) {
	rec, err := r.getRecord(r.client.WithContext(ctx), id)
	if err != nil {
		return nil, r.wrap("redis.getJob", err)
	}
	return rec.Job, nil
}

func (r *Redis) GetJobSpec(ctx context.Context, id string) (*corev1.PodSpec, error) {
	rec, err := r.getRecord(r.client.WithContext(ctx), id)
	if err != nil {
		return nil, r.wrap("redis.getJobSpec", err)
	}
	return rec.Spec, nil
}

func (r *Redis) ListJobs(ctx context.Context, filter Filter) ([]*model.Job, error) {
	c := r.client.WithContext(ctx)

	var (
		ids []string
		err error
	)
	if filter.BatchID != "" {
		ids, err = c.SMembers(batchMembersKey(filter.BatchID)).Result()
	} else {
		ids, err = c.ZRange(redisJobIndex, 0, -1).Result()
	}
	if err != nil {
		return nil, r.wrap("redis.listJobs", err)
	}

	jobs, err := r.loadJobs(c, ids)
	if err != nil {
		return nil, r.wrap("redis.listJobs", err)
	}
	out := jobs[:0]
	for _, j := range jobs {
		if filter.matches(j) {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

// loadJobs fetches the given jobs, skipping ids deleted in the meantime.
func (r *Redis) loadJobs(c *redis.Client, ids []string) ([]*model.Job, error) {
	jobs := []*model.Job{}
	if len(ids) == 0 {
		return jobs, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := c.MGet(keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, apperrors.Internal("redis.decode", err)
		}
		jobs = append(jobs, rec.Job)
	}
	return jobs, nil
}

func (r *Redis) UpdateJob(ctx context.Context, id string, u Update) (*model.Job, error) {
	key := jobKey(id)
	c := r.client.WithContext(ctx)

	var updated *model.Job
	for range redisMaxUpdateRetries {
		err := c.Watch(func(tx *redis.Tx) error {
			rec, err := r.getRecord(tx, id)
			if err != nil {
				return err
			}
			if err := u.apply(rec.Job, nowUTC()); err != nil {
				return err
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return apperrors.Internal("redis.encode", err)
			}
			_, err = tx.TxPipelined(func(p redis.Pipeliner) error {
				p.Set(key, data, 0)
				return nil
			})
			if err == nil {
				updated = rec.Job
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, r.wrap("redis.updateJob", err)
		}
		return updated, nil
	}
	return nil, apperrors.Unavailable("redis.updateJob", fmt.Errorf("job %s changed concurrently %d times", id, redisMaxUpdateRetries))
}

func (r *Redis) DeleteJob(ctx context.Context, id string) error {
	key := jobKey(id)
	c := r.client.WithContext(ctx)

	err := c.Watch(func(tx *redis.Tx) error {
		rec, err := r.getRecord(tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(func(p redis.Pipeliner) error {
			p.Del(key)
			p.ZRem(redisJobIndex, id)
			if rec.Job.BatchID != "" {
				p.SRem(batchMembersKey(rec.Job.BatchID), id)
			}
			return nil
		})
		return err
	}, key)
	return r.wrap("redis.deleteJob", err)
}

func (r *Redis) CreateBatch(ctx context.Context, batch *model.Batch) error {
	data, err := json.Marshal(cloneBatch(batch))
	if err != nil {
		return apperrors.Internal("redis.createBatch", err)
	}
	ok, err := r.client.WithContext(ctx).SetNX(batchKey(batch.ID), data, 0).Result()
	if err != nil {
		return r.wrap("redis.createBatch", err)
	}
	if !ok {
		return apperrors.Conflict("batch", batch.ID, "batch already exists")
	}
	return nil
}

func (r *Redis) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	c := r.client.WithContext(ctx)

	data, err := c.Get(batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("batch", id)
	}
	if err != nil {
		return nil, r.wrap("redis.getBatch", err)
	}
	var b model.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperrors.Internal("redis.getBatch", err)
	}

	ids, err := c.SMembers(batchMembersKey(id)).Result()
	if err != nil {
		return nil, r.wrap("redis.getBatch", err)
	}
	jobs, err := r.loadJobs(c, ids)
	if err != nil {
		return nil, r.wrap("redis.getBatch", err)
	}
	b.Jobs = countStates(jobs)
	return &b, nil
}

// wrap passes classified errors through and marks the rest as unavailable.
func (r *Redis) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Unavailable(op, err)
}
