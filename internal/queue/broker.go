package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

// NewClient connects to Redis from a URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// enqueueScript inserts a job atomically unless its id already exists.
// Re-enqueuing a live job id is a no-op.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "message_id", ARGV[1],
  "batch_id", ARGV[2],
  "priority", ARGV[3],
  "attempts_left", ARGV[4],
  "ready_at", ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[2])
return 1
`)

// promoteScript moves due jobs from the delayed set to the ready list.
// Priority jobs (recovery backlog) jump to the front of the list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  local pri = tonumber(redis.call("HGET", ARGV[2] .. id, "priority"))
  if pri and pri > 0 then
    redis.call("LPUSH", KEYS[2], id)
  else
    redis.call("RPUSH", KEYS[2], id)
  end
end
return #due
`)

// rescheduleScript parks a live job back in the delayed set with a new
// ready time and a fresh attempt budget. A job whose record is gone
// (campaign deleted mid-run) is left gone.
var rescheduleScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "ready_at", ARGV[1], "attempts_left", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[1], ARGV[3])
return 1
`)

// reapScript requeues jobs whose worker lock expired (stalled jobs).
var reapScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(stalled) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("RPUSH", KEYS[2], id)
end
return #stalled
`)

// Broker is one company's durable queue.
type Broker struct {
	client      *redis.Client
	companyID   string
	maxAttempts int
	now         func() time.Time
}

// NewBroker creates the queue handle for one company.
func NewBroker(client *redis.Client, companyID string, maxAttempts int) *Broker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Broker{
		client:      client,
		companyID:   companyID,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (b *Broker) jobKeyPrefix() string {
	return fmt.Sprintf("campq:%s:job:", b.companyID)
}

func (b *Broker) jobKey(jobID string) string {
	return b.jobKeyPrefix() + jobID
}

func (b *Broker) delayedKey() string { return fmt.Sprintf("campq:%s:delayed", b.companyID) }
func (b *Broker) readyKey() string   { return fmt.Sprintf("campq:%s:ready", b.companyID) }
func (b *Broker) activeKey() string  { return fmt.Sprintf("campq:%s:active", b.companyID) }

// Enqueue adds a job unless its id is already live. Returns whether the job
// was actually added.
func (b *Broker) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.AttemptsLeft <= 0 {
		job.AttemptsLeft = b.maxAttempts
	}
	if job.ReadyAt <= 0 {
		job.ReadyAt = b.now().UnixMilli()
	}
	added, err := enqueueScript.Run(ctx, b.client,
		[]string{b.jobKey(job.BatchID), b.delayedKey()},
		job.MessageID, job.BatchID, job.Priority, job.AttemptsLeft, job.ReadyAt,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.BatchID, err)
	}
	return added == 1, nil
}

// Exists reports whether a job id is live in any queue state.
func (b *Broker) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.jobKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("job exists %s: %w", jobID, err)
	}
	return n == 1, nil
}

// GetJob loads a live job record.
func (b *Broker) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return b.jobFromFields(fields), nil
}

// ListJobIDs returns every live job id for the company.
func (b *Broker) ListJobIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	delayed, err := b.client.ZRange(ctx, b.delayedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list delayed: %w", err)
	}
	active, err := b.client.ZRange(ctx, b.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	ready, err := b.client.LRange(ctx, b.readyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	for _, group := range [][]string{delayed, ready, active} {
		for _, id := range group {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Remove deletes a job from every queue state.
func (b *Broker) Remove(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.jobKey(jobID))
	pipe.ZRem(ctx, b.delayedKey(), jobID)
	pipe.ZRem(ctx, b.activeKey(), jobID)
	pipe.LRem(ctx, b.readyKey(), 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

// promote moves due delayed jobs to the ready list.
func (b *Broker) promote(ctx context.Context) error {
	return promoteScript.Run(ctx, b.client,
		[]string{b.delayedKey(), b.readyKey()},
		b.now().UnixMilli(), b.jobKeyPrefix(),
	).Err()
}

// Reschedule moves a locked job back to the delayed set with a new ready
// time and a fresh attempt budget. The record stays live under the same
// id, so the idempotent-enqueue guard keeps holding it. Returns false when
// the job record no longer exists.
func (b *Broker) Reschedule(ctx context.Context, jobID string, readyAt int64) (bool, error) {
	ok, err := rescheduleScript.Run(ctx, b.client,
		[]string{b.jobKey(jobID), b.activeKey(), b.delayedKey()},
		readyAt, b.maxAttempts, jobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("reschedule %s: %w", jobID, err)
	}
	return ok == 1, nil
}

// reap requeues stalled jobs: active entries whose lock deadline passed.
func (b *Broker) reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, b.client,
		[]string{b.activeKey(), b.readyKey()},
		b.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap stalled: %w", err)
	}
	return n, nil
}

// pop takes one ready job, locks it for lockDur, and consumes an attempt.
// Returns nil when the queue is empty.
func (b *Broker) pop(ctx context.Context, lockDur time.Duration) (*Job, error) {
	jobID, err := b.client.LPop(ctx, b.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}

	deadline := b.now().Add(lockDur).UnixMilli()
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: float64(deadline), Member: jobID})
	pipe.HIncrBy(ctx, b.jobKey(jobID), "attempts_left", -1)
	getAll := pipe.HGetAll(ctx, b.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lock job %s: %w", jobID, err)
	}

	fields := getAll.Val()
	if len(fields) == 0 {
		// Job record vanished between pop and lock; drop the lock.
		_ = b.client.ZRem(ctx, b.activeKey(), jobID).Err()
		return nil, nil
	}
	return b.jobFromFields(fields), nil
}

// ack removes a finished job entirely.
func (b *Broker) ack(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.jobKey(jobID))
	pipe.ZRem(ctx, b.activeKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

// retry releases the lock and re-delays the job.
func (b *Broker) retry(ctx context.Context, jobID string, delay time.Duration) error {
	readyAt := b.now().Add(delay).UnixMilli()
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.activeKey(), jobID)
	pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(readyAt), Member: jobID})
	pipe.HSet(ctx, b.jobKey(jobID), "ready_at", readyAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", jobID, err)
	}
	return nil
}

func (b *Broker) jobFromFields(fields map[string]string) *Job {
	priority, _ := strconv.Atoi(fields["priority"])
	attempts, _ := strconv.Atoi(fields["attempts_left"])
	readyAt, _ := strconv.ParseInt(fields["ready_at"], 10, 64)
	return &Job{
		CompanyID:    b.companyID,
		MessageID:    fields["message_id"],
		BatchID:      fields["batch_id"],
		Priority:     priority,
		AttemptsLeft: attempts,
		ReadyAt:      readyAt,
	}
}
