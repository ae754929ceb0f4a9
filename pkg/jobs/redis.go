package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"anatomesh/internal/models"
)

// maxTxRetries bounds optimistic retries when a watched key changes.
const maxTxRetries = 8

// Redis stores each job as a JSON string under prefix+id and applies
// transitions with WATCH/MULTI so concurrent writers never interleave.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisFromClient(client, prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "anatomesh:job:"
	}
	return &Redis{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Redis) key(id string) string { return s.prefix + id }

func (s *Redis) Create(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := prepare(job, s.now())
	if err != nil {
		return models.Job{}, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(job.ID), data, 0).Result()
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	return job, nil
}

func (s *Redis) Get(ctx context.Context, id string) (models.Job, error) {
	return s.get(ctx, s.client, id)
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Redis) get(ctx context.Context, c getter, id string) (models.Job, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, notFound(id)
	}
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// update runs fn against the current record inside a watched transaction,
// writing the result back when fn reports a change.
func (s *Redis) update(ctx context.Context, id string, fn func(models.Job) (models.Job, bool, error)) (models.Job, error) {
	key := s.key(id)
	var out models.Job
	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, changed, err := fn(job)
		if err != nil {
			out = job
			return err
		}
		out = next
		if !changed {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, fmt.Errorf("job %s: update contended after %d attempts", id, maxTxRetries)
}

func (s *Redis) ApplyTransition(ctx context.Context, id string, t models.Transition) (models.Job, error) {
	return s.update(ctx, id, func(job models.Job) (models.Job, bool, error) {
		return Apply(job, t, s.now())
	})
}

func (s *Redis) SoftDelete(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(job models.Job) (models.Job, bool, error) {
		job.Deleted = true
		return job, true, nil
	})
	return err
}

func (s *Redis) Close() error { return s.client.Close() }
