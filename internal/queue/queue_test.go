package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBroker(client, "acme", 3)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	job := Job{CompanyID: "acme", MessageID: "m1", BatchID: "m1_batch_0"}
	added, err := b.Enqueue(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("first enqueue not added")
	}

	added, err = b.Enqueue(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second enqueue of same batch id was not a no-op")
	}

	ids, err := b.ListJobIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("job count = %d, want exactly 1", len(ids))
	}
}

func TestConcurrentEnqueueSingleJob(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var addedCount int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0"})
			if err != nil {
				t.Error(err)
				return
			}
			if added {
				mu.Lock()
				addedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if addedCount != 1 {
		t.Errorf("added %d times, want 1", addedCount)
	}
	ids, err := b.ListJobIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("job count = %d, want 1", len(ids))
	}
}

func TestDelayedJobNotReadyEarly(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour).UnixMilli()
	if _, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0", ReadyAt: future}); err != nil {
		t.Fatal(err)
	}
	if err := b.promote(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := b.pop(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("popped future job %q", job.BatchID)
	}
}

func TestPromoteAndPopDueJob(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0", ReadyAt: past}); err != nil {
		t.Fatal(err)
	}
	if err := b.promote(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := b.pop(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("due job not popped")
	}
	if job.BatchID != "m1_batch_0" || job.MessageID != "m1" {
		t.Errorf("job = %+v", job)
	}
	if job.AttemptsLeft != 2 {
		t.Errorf("attempts_left = %d, want 2 after one pop", job.AttemptsLeft)
	}
}

func TestPriorityJobPromotedToFront(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0", ReadyAt: past}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Enqueue(ctx, Job{MessageID: "m2", BatchID: "m2_batch_0",
		Priority: 1, ReadyAt: past + 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.promote(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := b.pop(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.BatchID != "m2_batch_0" {
		t.Fatalf("first pop = %+v, want the priority job", job)
	}
	if job.Priority != 1 {
		t.Errorf("priority = %d, want 1", job.Priority)
	}
}

func TestAckRemovesJob(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0",
		ReadyAt: time.Now().Add(-time.Second).UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if err := b.promote(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.pop(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.ack(ctx, "m1_batch_0"); err != nil {
		t.Fatal(err)
	}

	exists, err := b.Exists(ctx, "m1_batch_0")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("acked job still exists")
	}
}

func TestReapRequeuesStalledJob(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, Job{MessageID: "m1", BatchID: "m1_batch_0",
		ReadyAt: time.Now().Add(-time.Second).UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if err := b.promote(ctx); err != nil {
		t.Fatal(err)
	}
	// Lock expires immediately: simulates a worker that died mid-job.
	if _, err := b.pop(ctx, -time.Second); err != nil {
		t.Fatal(err)
	}

	n, err := b.reap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}

	job, err := b.pop(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("stalled job not requeued")
	}
}

// countingHandler fails the first n attempts then succeeds.
type countingHandler struct {
	mu        sync.Mutex
	failures  int
	processed int
	failed    []Job
}

func (h *countingHandler) ProcessJob(_ context.Context, _ Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed++
	if h.processed <= h.failures {
		return errors.New("transient send error")
	}
	return nil
}

func (h *countingHandler) JobFailed(_ context.Context, job Job, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, job)
}

func (h *countingHandler) snapshot() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed, len(h.failed)
}

func poolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency:   2,
		JobsPerSecond: 1000,
		LockDuration:  time.Minute,
		PollInterval:  10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorkerProcessesJob(t *testing.T) {
	b := testBroker(t)
	h := &countingHandler{}
	pool := NewWorkerPool(b, h, poolConfig(), zap.NewNop())
	pool.Start(context.Background())
	defer pool.Stop()

	if _, err := b.Enqueue(context.Background(), Job{MessageID: "m1", BatchID: "m1_batch_0"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { p, _ := h.snapshot(); return p >= 1 }, "job never processed")
	waitFor(t, func() bool {
		exists, _ := b.Exists(context.Background(), "m1_batch_0")
		return !exists
	}, "job not removed after success")
}

// reschedulingHandler parks each job a day ahead, the way day-loop
// batches do, and returns ErrRescheduled.
type reschedulingHandler struct {
	broker *Broker

	mu        sync.Mutex
	processed int
}

func (h *reschedulingHandler) ProcessJob(ctx context.Context, job Job) error {
	h.mu.Lock()
	h.processed++
	h.mu.Unlock()
	readyAt := time.Now().Add(24 * time.Hour).UnixMilli()
	if _, err := h.broker.Reschedule(ctx, job.BatchID, readyAt); err != nil {
		return err
	}
	return ErrRescheduled
}

func (h *reschedulingHandler) JobFailed(_ context.Context, _ Job, _ error) {}

func (h *reschedulingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed
}

func TestRescheduledJobSurvivesPool(t *testing.T) {
	b := testBroker(t)
	h := &reschedulingHandler{broker: b}
	pool := NewWorkerPool(b, h, poolConfig(), zap.NewNop())
	pool.Start(context.Background())
	defer pool.Stop()

	if _, err := b.Enqueue(context.Background(), Job{MessageID: "m1", BatchID: "m1_batch_0"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return h.count() >= 1 }, "job never processed")
	// Give the pool time to finish the job; it must not ack it away.
	time.Sleep(100 * time.Millisecond)

	job, err := b.GetJob(context.Background(), "m1_batch_0")
	if err != nil {
		t.Fatalf("job record gone after reschedule: %v", err)
	}
	if job.MessageID != "m1" {
		t.Errorf("job record lost its fields: %+v", job)
	}
	if job.ReadyAt <= time.Now().UnixMilli() {
		t.Errorf("ready_at %d is not in the future", job.ReadyAt)
	}
	if job.AttemptsLeft != 3 {
		t.Errorf("attempts_left = %d, want a fresh budget of 3", job.AttemptsLeft)
	}
	if n := h.count(); n != 1 {
		t.Errorf("processed %d times, want 1 (delayed job must not re-run)", n)
	}
	ids, err := b.ListJobIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("live job ids = %v, want exactly the rescheduled one", ids)
	}
}

func TestRetryExhaustionCallsJobFailed(t *testing.T) {
	b := testBroker(t)
	h := &countingHandler{failures: 100} // always fail
	pool := NewWorkerPool(b, h, poolConfig(), zap.NewNop())
	pool.retryDelay = func(int) time.Duration { return 10 * time.Millisecond }
	pool.Start(context.Background())
	defer pool.Stop()

	if _, err := b.Enqueue(context.Background(), Job{MessageID: "m1", BatchID: "m1_batch_0"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { _, f := h.snapshot(); return f == 1 }, "JobFailed never called")

	processed, _ := h.snapshot()
	if processed != 3 {
		t.Errorf("processed %d attempts, want max 3", processed)
	}
	exists, err := b.Exists(context.Background(), "m1_batch_0")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("exhausted job still live")
	}
}
