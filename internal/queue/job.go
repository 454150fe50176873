// Package queue is the durable job broker: one delayed queue plus a worker
// pool per company, backed by Redis. Enqueue is idempotent on the job id
// (job id == batch id), which is the dedup-before-enqueue guarantee.
package queue

import (
	"context"
	"errors"
)

// ErrRescheduled is returned by a handler whose job parked itself back in
// the delayed queue via Reschedule. The pool must not ack it: the job
// record stays live under the same id until its next run.
var ErrRescheduled = errors.New("job rescheduled")

// Job is one queued batch delivery.
type Job struct {
	CompanyID    string
	MessageID    string
	BatchID      string
	Priority     int
	AttemptsLeft int
	ReadyAt      int64 // unix millis
}

// Handler processes dequeued jobs.
type Handler interface {
	// ProcessJob executes one job. A returned error triggers the broker's
	// retry policy until attempts are exhausted; ErrRescheduled means the
	// job moved itself back to the delayed queue and must be left alone.
	ProcessJob(ctx context.Context, job Job) error
	// JobFailed is called once after the final attempt fails.
	JobFailed(ctx context.Context, job Job, err error)
}
