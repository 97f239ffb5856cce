package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"log-processing-service/internal/models"
)

func newTestQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.KeepCompleted == 0 && opts.KeepFailed == 0 {
		opts.KeepCompleted, opts.KeepFailed = 100, 100
	}
	return NewRedisQueue(client, opts), mr
}

func payload(id string, size int64) models.JobPayload {
	return models.JobPayload{FileID: id, FileRef: id + ".log", FileName: id + ".log", FileSize: size, UserID: "user-1"}
}

func mustEnqueue(t *testing.T, q *RedisQueue, p models.JobPayload) Handle {
	t.Helper()
	h, err := q.Enqueue(context.Background(), p, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue %s: %v", p.FileID, err)
	}
	return h
}

func mustClaim(t *testing.T, q *RedisQueue) *models.Job {
	t.Helper()
	job, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a job, queue was empty")
	}
	return job
}

func TestPriorityForSize(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 1},
		{1024*1024 - 1, 1},
		{1024 * 1024, 2},
		{10*1024*1024 - 1, 2},
		{10 * 1024 * 1024, 3},
		{1 << 40, 3},
	}
	for _, tt := range tests {
		if got := PriorityForSize(tt.size); got != tt.want {
			t.Errorf("PriorityForSize(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestClaimOrdersByTierThenArrival(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	mustEnqueue(t, q, payload("large", 50*1024*1024))
	mustEnqueue(t, q, payload("small-a", 10))
	mustEnqueue(t, q, payload("medium", 2*1024*1024))
	mustEnqueue(t, q, payload("small-b", 20))

	want := []string{"small-a", "small-b", "medium", "large"}
	for _, id := range want {
		job := mustClaim(t, q)
		if job.ID != id {
			t.Fatalf("expected %s next, got %s", id, job.ID)
		}
		if job.State != models.StateActive {
			t.Fatalf("expected active state, got %s", job.State)
		}
	}
	job, err := q.Claim(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got job=%v err=%v", job, err)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})

	first := mustEnqueue(t, q, payload("file-1", 100))
	if first.Duplicate || first.Priority != 1 || first.State != models.StateWaiting {
		t.Fatalf("unexpected first handle: %+v", first)
	}
	second := mustEnqueue(t, q, payload("file-1", 100))
	if !second.Duplicate {
		t.Fatalf("expected duplicate handle, got %+v", second)
	}

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Waiting != 1 || counts.Total != 1 {
		t.Fatalf("expected a single waiting job, got %+v", counts)
	}

	mustClaim(t, q)
	third := mustEnqueue(t, q, payload("file-1", 100))
	if !third.Duplicate || third.State != models.StateActive {
		t.Fatalf("expected duplicate of active job, got %+v", third)
	}
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatalf("duplicate admission produced a second attempt: %+v", job)
	}
}

func TestEnqueueRejectsMissingID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	if _, err := q.Enqueue(context.Background(), models.JobPayload{}, EnqueueOptions{}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestFailRetriesUntilCeiling(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})
	mustEnqueue(t, q, payload("flaky", 10))

	for attempt := 1; attempt <= 3; attempt++ {
		job := mustClaim(t, q)
		if job.Attempts != attempt-1 {
			t.Fatalf("attempt %d: expected %d prior failures, got %d", attempt, attempt-1, job.Attempts)
		}
		res, err := q.Fail(ctx, job.ID, job.Lease, fmt.Sprintf("boom %d", attempt), 0)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if res.Attempts != attempt || res.MaxAttempts != 3 {
			t.Fatalf("unexpected fail result %+v", res)
		}
		if attempt < 3 && (!res.Retrying || res.Exhausted) {
			t.Fatalf("attempt %d should retry: %+v", attempt, res)
		}
		if attempt == 3 && (res.Retrying || !res.Exhausted) {
			t.Fatalf("final attempt should exhaust: %+v", res)
		}
	}

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatalf("exhausted job was claimed again: %+v", job)
	}
	job, err := q.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != models.StateFailed || !job.Exhausted() || job.FinishedAt == nil {
		t.Fatalf("unexpected terminal job %+v", job)
	}
	if job.LastError == nil || *job.LastError != "boom 3" {
		t.Fatalf("expected last error recorded, got %v", job.LastError)
	}
	counts, _ := q.Status(ctx)
	if counts.Failed != 1 || counts.Waiting != 0 || counts.Active != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestFailWithBackoffDelaysRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	mustEnqueue(t, q, payload("slow-retry", 10))

	job := mustClaim(t, q)
	res, err := q.Fail(ctx, job.ID, job.Lease, "nope", time.Hour)
	if err != nil || !res.Retrying {
		t.Fatalf("expected retry, got %+v err=%v", res, err)
	}
	if got, _ := q.Claim(ctx); got != nil {
		t.Fatalf("delayed job claimed early")
	}
	counts, _ := q.Status(ctx)
	if counts.Waiting != 1 {
		t.Fatalf("delayed job should count as waiting: %+v", counts)
	}

	n, err := q.PromoteDelayed(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promoted, got %d err=%v", n, err)
	}
	if got := mustClaim(t, q); got.ID != "slow-retry" {
		t.Fatalf("unexpected job %s", got.ID)
	}
}

func TestCompleteAndLeaseLost(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	mustEnqueue(t, q, payload("ok", 10))

	job := mustClaim(t, q)
	if err := q.Complete(ctx, job.ID, job.Lease); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Complete(ctx, job.ID, job.Lease); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on second complete, got %v", err)
	}
	if _, err := q.Fail(ctx, job.ID, job.Lease, "late", 0); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on fail after complete, got %v", err)
	}
	if err := q.ExtendLease(ctx, job.ID, job.Lease, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on extend, got %v", err)
	}

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

func TestRequeueStalled(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Second, MaxStalls: 2})
	mustEnqueue(t, q, payload("crashy", 10))

	job := mustClaim(t, q)
	if err := q.ExtendLease(ctx, job.ID, job.Lease, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	res, err := q.RequeueStalled(ctx, time.Now(), 10)
	if err != nil || len(res.Requeued) != 0 || len(res.Failed) != 0 {
		t.Fatalf("lease was extended, nothing should be stalled: %+v err=%v", res, err)
	}

	res, err = q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(res.Requeued) != 1 || res.Requeued[0] != "crashy" || len(res.Failed) != 0 {
		t.Fatalf("expected crashy requeued, got %+v", res)
	}
	again := mustClaim(t, q)
	if again.ID != "crashy" || again.Attempts != 0 || again.Stalls != 1 {
		t.Fatalf("unexpected requeued job %+v", again)
	}
	if again.Lease == job.Lease {
		t.Fatalf("a new claim must get a new lease")
	}
}

func TestStaleLeaseCannotReport(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Second, MaxStalls: 5})
	mustEnqueue(t, q, payload("shared", 10))

	old := mustClaim(t, q)
	if _, err := q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	current := mustClaim(t, q)

	if err := q.CheckLease(ctx, old.ID, old.Lease); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected old lease lost, got %v", err)
	}
	if err := q.ExtendLease(ctx, old.ID, old.Lease, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected extend with old lease to fail, got %v", err)
	}
	if err := q.Complete(ctx, old.ID, old.Lease); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected complete with old lease to fail, got %v", err)
	}
	if _, err := q.Fail(ctx, old.ID, old.Lease, "late", 0); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected fail with old lease to fail, got %v", err)
	}

	if err := q.CheckLease(ctx, current.ID, current.Lease); err != nil {
		t.Fatalf("current lease should hold: %v", err)
	}
	if err := q.Complete(ctx, current.ID, current.Lease); err != nil {
		t.Fatalf("complete with current lease: %v", err)
	}
}

func TestRepeatedStallsFailJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Second, MaxAttempts: 3})
	mustEnqueue(t, q, payload("poison", 10))

	mustClaim(t, q)
	res, err := q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(res.Requeued) != 1 {
		t.Fatalf("first stall should requeue: %+v err=%v", res, err)
	}

	mustClaim(t, q)
	res, err = q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(res.Requeued) != 0 || len(res.Failed) != 1 {
		t.Fatalf("second stall should fail the job: %+v", res)
	}
	dead := res.Failed[0]
	if dead.ID != "poison" || dead.Payload.FileRef != "poison.log" || dead.Payload.UserID != "user-1" {
		t.Fatalf("unexpected failed job %+v", dead)
	}

	for i := 0; i < 5; i++ {
		if res, _ := q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10); len(res.Requeued)+len(res.Failed) != 0 {
			t.Fatalf("terminal job must not be reclaimed: %+v", res)
		}
	}
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatalf("stalled-out job was claimed again: %+v", job)
	}
	job, err := q.Get(ctx, "poison")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != models.StateFailed || job.Stalls != 2 || job.LastError == nil || *job.LastError != StallReason {
		t.Fatalf("unexpected terminal job %+v", job)
	}
	counts, _ := q.Status(ctx)
	if counts.Failed != 1 || counts.Waiting != 0 || counts.Active != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestUnlimitedStalls(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Second, MaxStalls: -1})
	mustEnqueue(t, q, payload("patient", 10))
	for i := 0; i < 5; i++ {
		mustClaim(t, q)
		res, err := q.RequeueStalled(ctx, time.Now().Add(time.Hour), 10)
		if err != nil || len(res.Requeued) != 1 {
			t.Fatalf("stall %d: expected requeue, got %+v err=%v", i+1, res, err)
		}
	}
}

func TestRetentionTrimsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{KeepCompleted: 1, KeepFailed: -1})
	for _, id := range []string{"a", "b"} {
		mustEnqueue(t, q, payload(id, 10))
		job := mustClaim(t, q)
		if err := q.Complete(ctx, job.ID, job.Lease); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	counts, _ := q.Status(ctx)
	if counts.Completed != 1 {
		t.Fatalf("expected 1 retained completed job, got %+v", counts)
	}
	if _, err := q.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected trimmed job to be gone, got %v", err)
	}
	if _, err := q.Get(ctx, "b"); err != nil {
		t.Fatalf("newest job should be retained: %v", err)
	}

	// Once trimmed, the id can be admitted again.
	if h := mustEnqueue(t, q, payload("a", 10)); h.Duplicate {
		t.Fatalf("expected fresh admission after retention trim")
	}
}

func TestSetProgress(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	mustEnqueue(t, q, payload("p", 10))
	if err := q.SetProgress(ctx, "p", 42); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	job, err := q.Get(ctx, "p")
	if err != nil || job.Progress != 42 {
		t.Fatalf("expected progress 42, got %+v err=%v", job, err)
	}
	if err := q.SetProgress(ctx, "missing", 1); err != nil {
		t.Fatalf("set progress on missing job: %v", err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("progress must not create job hashes, got %v", err)
	}
}

func TestStatusTotalsAllBuckets(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{MaxAttempts: 1})
	for _, id := range []string{"w", "a", "c", "f"} {
		mustEnqueue(t, q, payload(id, 10))
	}
	done := mustClaim(t, q)
	_ = q.Complete(ctx, done.ID, done.Lease)
	failed := mustClaim(t, q)
	_, _ = q.Fail(ctx, failed.ID, failed.Lease, "x", 0)
	mustClaim(t, q)

	counts, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := Counts{Waiting: 1, Active: 1, Completed: 1, Failed: 1, Total: 4}
	if counts != want {
		t.Fatalf("status = %+v, want %+v", counts, want)
	}
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, payload(fmt.Sprintf("job-%d", i), 10))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Claim(context.Background())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			seen[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct claims, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
