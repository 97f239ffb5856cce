// Package worker drains the job queue with a bounded pool and runs the log
// processing pipeline for each claimed job.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"log-processing-service/internal/config"
	"log-processing-service/internal/models"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/source"
	"log-processing-service/internal/telemetry"
)

// Pool runs Concurrency claim loops plus one maintenance loop.
type Pool struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	processor *Processor
	source    source.Source
	log       *slog.Logger
	heartbeat time.Duration
}

// NewPool builds a pool. src is used to discard files of exhausted jobs.
func NewPool(cfg config.Config, q *queue.RedisQueue, proc *Processor, src source.Source, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.StalledBatchSize <= 0 {
		cfg.StalledBatchSize = 100
	}
	hb := q.VisibilityTimeout() / 3
	if hb <= 0 {
		hb = time.Second
	}
	return &Pool{cfg: cfg, queue: q, processor: proc, source: src, log: log, heartbeat: hb}
}

// Run blocks until ctx is cancelled. Cancellation stops claiming; attempts
// already running finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.maintain(gctx)
		return nil
	})
	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	log := p.log.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim job", "error", err)
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		// Running attempts are not cancelled by shutdown.
		p.runAttempt(context.WithoutCancel(ctx), job, log)
	}
}

// runAttempt processes one claimed job and reports the outcome to the queue.
func (p *Pool) runAttempt(ctx context.Context, job *models.Job, log *slog.Logger) {
	log = log.With("job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	attemptCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	hbCtx, stopHeartbeat := context.WithCancel(attemptCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.runHeartbeat(hbCtx, job, abort, log)
	}()
	procErr := p.processor.Process(attemptCtx, *job)
	stopHeartbeat()
	<-hbDone

	if errors.Is(procErr, queue.ErrLeaseLost) {
		telemetry.LeaseLost.Inc()
		log.Warn("attempt abandoned after losing its lease")
		return
	}
	if procErr == nil {
		if err := p.queue.Complete(ctx, job.ID, job.Lease); err != nil {
			log.Error("mark job completed", "error", err)
			return
		}
		telemetry.WorkerSuccess.Inc()
		return
	}

	var backoff time.Duration
	if p.cfg.BackoffInitial > 0 {
		backoff = backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1)
	}
	res, err := p.queue.Fail(ctx, job.ID, job.Lease, procErr.Error(), backoff)
	if err != nil {
		log.Error("mark job failed", "cause", procErr, "error", err)
		return
	}
	if !res.Exhausted {
		telemetry.WorkerRetries.Inc()
		log.Warn("attempt failed, retrying", "error", procErr, "attempts", res.Attempts, "backoff", backoff)
		return
	}

	telemetry.WorkerExhausted.Inc()
	log.Error("job failed, attempts exhausted", "error", procErr, "attempts", res.Attempts)
	p.removeExhausted(ctx, *job, log)
}

func (p *Pool) removeExhausted(ctx context.Context, job models.Job, log *slog.Logger) {
	if !p.cfg.RemoveExhausted || p.source == nil {
		return
	}
	if err := p.source.Remove(ctx, job.Payload.FileRef); err != nil {
		log.Warn("remove exhausted file", "file_ref", job.Payload.FileRef, "error", err)
	}
}

// runHeartbeat extends the lease while an attempt runs so the job is not
// requeued as stalled. Losing the lease aborts the attempt.
func (p *Pool) runHeartbeat(ctx context.Context, job *models.Job, abort context.CancelCauseFunc, log *slog.Logger) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.ExtendLease(ctx, job.ID, job.Lease, p.queue.VisibilityTimeout())
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost during attempt")
				abort(queue.ErrLeaseLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.maintainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) maintainOnce(ctx context.Context) {
	now := time.Now()
	limit := int64(p.cfg.StalledBatchSize)
	if _, err := p.queue.PromoteDelayed(ctx, now, limit); err != nil && ctx.Err() == nil {
		p.log.Warn("promote delayed jobs", "error", err)
	}
	stalled, err := p.queue.RequeueStalled(ctx, now, limit)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("requeue stalled jobs", "error", err)
	}
	if len(stalled.Requeued) > 0 {
		telemetry.StalledRequeued.Add(float64(len(stalled.Requeued)))
		p.log.Warn("requeued stalled jobs", "job_ids", stalled.Requeued)
	}
	for _, job := range stalled.Failed {
		log := p.log.With("job_id", job.ID)
		telemetry.StalledFailed.Inc()
		log.Error("job failed, stalled too many times", "stalls", job.Stalls)
		p.processor.Abandon(ctx, job, queue.StallReason)
		p.removeExhausted(ctx, job, log)
	}
	if counts, err := p.queue.Status(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(counts.Waiting))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
