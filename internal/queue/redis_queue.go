package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"log-processing-service/internal/config"
	"log-processing-service/internal/models"
)

var (
	// ErrNotFound is returned when no job hash exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker reports on a job it no longer holds.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrInvalidJob is returned for submissions without a file id.
	ErrInvalidJob = errors.New("job requires a file id")
)

// Size thresholds for priority tiers.
const (
	smallFileBytes  = 1024 * 1024
	mediumFileBytes = 10 * 1024 * 1024
)

// PriorityForSize maps a declared file size to a tier; lower tiers are served first.
func PriorityForSize(size int64) int {
	switch {
	case size < smallFileBytes:
		return 1
	case size < mediumFileBytes:
		return 2
	default:
		return 3
	}
}

// Options tune a RedisQueue.
type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	// KeepCompleted and KeepFailed bound how many terminal jobs are retained.
	// Zero removes terminal jobs immediately, negative keeps everything.
	KeepCompleted int64
	KeepFailed    int64
	// MaxStalls is how many expired leases a job survives before it fails.
	// Zero uses the default of 1, negative never fails a job for stalling.
	MaxStalls int
}

// OptionsFromConfig derives queue options from process configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:            cfg.QueuePrefix,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		KeepCompleted:     cfg.KeepCompleted,
		KeepFailed:        cfg.KeepFailed,
		MaxStalls:         cfg.MaxStalls,
	}
}

// RedisQueue coordinates waiting, delayed, active and terminal job sets in Redis.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	waitingKey    string
	delayedKey    string
	activeKey     string
	completedKey  string
	failedKey     string
	seqKey        string
	visibilityTTL time.Duration
	maxAttempts   int
	keepCompleted int64
	keepFailed    int64
	maxStalls     int
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "logq"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxStalls := opts.MaxStalls
	if maxStalls == 0 {
		maxStalls = 1
	}
	return &RedisQueue{
		client:        client,
		prefix:        prefix,
		waitingKey:    prefix + ":waiting",
		delayedKey:    prefix + ":delayed",
		activeKey:     prefix + ":active",
		completedKey:  prefix + ":completed",
		failedKey:     prefix + ":failed",
		seqKey:        prefix + ":seq",
		visibilityTTL: visibility,
		maxAttempts:   maxAttempts,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
		maxStalls:     maxStalls,
	}
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.prefix + ":job:"
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobKeyPrefix() + jobID
}

// VisibilityTimeout is the lease length granted on claim.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// EnqueueOptions override per-job queue metadata.
type EnqueueOptions struct {
	// MaxAttempts defaults to the queue's ceiling.
	MaxAttempts int
	// Priority defaults to the tier derived from the declared file size.
	Priority int
}

// Handle identifies an admitted job.
type Handle struct {
	ID        string `json:"id"`
	Priority  int    `json:"priority"`
	State     string `json:"state"`
	Duplicate bool   `json:"duplicate"`
}

// Enqueue admits a job keyed by its file id. If a job with that id is already
// known to the queue nothing is written and the existing job's state is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload, opts EnqueueOptions) (Handle, error) {
	if payload.FileID == "" {
		return Handle{}, ErrInvalidJob
	}
	priority := opts.Priority
	if priority <= 0 {
		priority = PriorityForSize(payload.FileSize)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(payload.FileID), q.waitingKey, q.seqKey},
		payload.FileID, string(raw), priority, maxAttempts, time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", payload.FileID, err)
	}
	if len(res) != 2 {
		return Handle{}, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	created, _ := res[0].(int64)
	state, _ := res[1].(string)
	h := Handle{ID: payload.FileID, Priority: priority, State: state, Duplicate: created == 0}
	if h.Duplicate {
		if existing, err := q.Get(ctx, payload.FileID); err == nil {
			h.Priority = existing.Priority
		}
	}
	return h, nil
}

// Claim pops the best waiting job into the active set with a fresh lease. It
// returns nil when nothing is waiting. Reports on the job must carry job.Lease.
func (q *RedisQueue) Claim(ctx context.Context) (*models.Job, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	lease := uuid.NewString()
	res, err := claimScript.Run(ctx, q.client, []string{q.waitingKey, q.activeKey}, deadline, q.jobKeyPrefix(), lease).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := q.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		_ = q.client.ZRem(ctx, q.activeKey, jobID).Err()
		return nil, fmt.Errorf("claimed job %s has no metadata: %w", jobID, err)
	}
	if err != nil {
		return nil, err
	}
	job.Lease = lease
	return job, nil
}

// ExtendLease pushes the visibility deadline forward while lease is still the
// job's current claim.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, lease string, extension time.Duration) error {
	n, err := extendScript.Run(ctx, q.client, []string{q.activeKey, q.jobKey(jobID)}, jobID, time.Now().Add(extension).UnixMilli(), lease).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CheckLease returns ErrLeaseLost unless lease is still the job's current claim.
func (q *RedisQueue) CheckLease(ctx context.Context, jobID, lease string) error {
	n, err := checkLeaseScript.Run(ctx, q.client, []string{q.activeKey, q.jobKey(jobID)}, jobID, lease).Int()
	if err != nil {
		return fmt.Errorf("check lease %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetProgress records a coarse completion percentage on the job.
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, progress int) error {
	if err := setIfExistsScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, "progress", progress).Err(); err != nil {
		return fmt.Errorf("set progress %s: %w", jobID, err)
	}
	return nil
}

// Complete moves an active job to the completed set.
func (q *RedisQueue) Complete(ctx context.Context, jobID, lease string) error {
	n, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey, q.completedKey, q.jobKey(jobID)},
		jobID, time.Now().UnixMilli(), q.keepCompleted, q.jobKeyPrefix(), lease,
	).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FailResult reports what the queue decided after a failed attempt.
type FailResult struct {
	Attempts    int
	MaxAttempts int
	Retrying    bool
	Exhausted   bool
}

// Fail records a failed attempt. Below the attempt ceiling the job is
// rescheduled, immediately when backoff is zero; at the ceiling it becomes
// terminal.
func (q *RedisQueue) Fail(ctx context.Context, jobID, lease, reason string, backoff time.Duration) (FailResult, error) {
	var due int64
	if backoff > 0 {
		due = time.Now().Add(backoff).UnixMilli()
	}
	res, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey, q.waitingKey, q.delayedKey, q.failedKey, q.jobKey(jobID), q.seqKey},
		jobID, time.Now().UnixMilli(), reason, due, q.keepFailed, q.jobKeyPrefix(), lease,
	).Int64Slice()
	if err != nil {
		return FailResult{}, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if len(res) != 3 {
		return FailResult{}, fmt.Errorf("unexpected fail reply: %v", res)
	}
	if res[0] < 0 {
		return FailResult{}, ErrLeaseLost
	}
	return FailResult{
		Attempts:    int(res[1]),
		MaxAttempts: int(res[2]),
		Retrying:    res[0] == 1,
		Exhausted:   res[0] == 0,
	}, nil
}

// PromoteDelayed moves due delayed jobs into the waiting set. It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.waitingKey, q.seqKey},
		now.UnixMilli(), limit, q.jobKeyPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// StallReason is the last error recorded on jobs failed for stalling.
const StallReason = "job stalled more than allowable limit"

// StalledResult reports what RequeueStalled did with expired leases.
type StalledResult struct {
	Requeued []string
	// Failed jobs stalled more often than allowed and are now terminal.
	Failed []models.Job
}

// RequeueStalled reclaims leases that timed out. Each reclaim counts as a
// stall; jobs within the stall limit go back to the waiting set without being
// charged an attempt, the rest fail.
func (q *RedisQueue) RequeueStalled(ctx context.Context, now time.Time, limit int64) (StalledResult, error) {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.activeKey, q.waitingKey, q.seqKey, q.failedKey},
		now.UnixMilli(), limit, q.jobKeyPrefix(), q.maxStalls, q.keepFailed, StallReason,
	).Slice()
	if err != nil {
		return StalledResult{}, fmt.Errorf("requeue stalled: %w", err)
	}
	if len(res) != 2 {
		return StalledResult{}, fmt.Errorf("unexpected requeue reply: %v", res)
	}
	moved, _ := res[0].([]interface{})
	dead, _ := res[1].([]interface{})

	var out StalledResult
	for _, v := range moved {
		if id, ok := v.(string); ok {
			out.Requeued = append(out.Requeued, id)
		}
	}
	for i := 0; i+2 < len(dead); i += 3 {
		id, _ := dead[i].(string)
		raw, _ := dead[i+1].(string)
		attempts, _ := dead[i+2].(string)
		job := models.Job{ID: id, State: models.StateFailed, Attempts: atoi(attempts), Stalls: q.maxStalls + 1}
		reason := StallReason
		job.LastError = &reason
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return out, fmt.Errorf("decode payload for %s: %w", id, err)
		}
		out.Failed = append(out.Failed, job)
	}
	return out, nil
}

// Counts is a point-in-time view of the queue buckets.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Status reads all bucket sizes in one MULTI/EXEC so the counts are mutually consistent.
// Delayed retries are reported as waiting.
func (q *RedisQueue) Status(ctx context.Context) (Counts, error) {
	pipe := q.client.TxPipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	active := pipe.ZCard(ctx, q.activeKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue status: %w", err)
	}
	c := Counts{
		Waiting:   waiting.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed
	return c, nil
}

// Get loads a job's queue metadata.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(jobID, fields)
}

func jobFromHash(jobID string, h map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:          jobID,
		State:       h["state"],
		Priority:    atoi(h["priority"]),
		Attempts:    atoi(h["attempts"]),
		MaxAttempts: atoi(h["max_attempts"]),
		Progress:    atoi(h["progress"]),
		Stalls:      atoi(h["stalls"]),
	}
	if err := json.Unmarshal([]byte(h["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", jobID, err)
	}
	if v, ok := h["last_error"]; ok && v != "" {
		job.LastError = &v
	}
	if ms := atoi64(h["created_at"]); ms > 0 {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms := atoi64(h["finished_at"]); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
