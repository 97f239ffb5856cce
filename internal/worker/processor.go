package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"log-processing-service/internal/config"
	"log-processing-service/internal/events"
	"log-processing-service/internal/logparse"
	"log-processing-service/internal/models"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/source"
	"log-processing-service/internal/stats"
	"log-processing-service/internal/store"
	"log-processing-service/internal/telemetry"
)

// maxLineBytes caps the part of a line that is parsed. Longer lines are still
// counted, as unparsed.
const maxLineBytes = 1024 * 1024

// StatsStore is the slice of the stats store a worker writes to.
type StatsStore interface {
	Create(ctx context.Context, p store.CreateParams) (models.StatsRecord, error)
	UpdateProgress(ctx context.Context, jobID string, c models.Counters) error
	Complete(ctx context.Context, jobID string, c models.Counters, processingMS int64) error
	Fail(ctx context.Context, jobID string, message string, attempt int) error
}

// EventPublisher delivers best-effort job events to a user.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, ev events.Event)
}

// JobTracker is the queue's side of a running attempt: the coarse progress
// mirror and the lease the attempt holds.
type JobTracker interface {
	SetProgress(ctx context.Context, jobID string, progress int) error
	CheckLease(ctx context.Context, jobID, lease string) error
}

// Processor runs one attempt of a job: stats record, line scan, outcome.
type Processor struct {
	store    StatsStore
	source   source.Source
	events   EventPublisher
	tracker  JobTracker
	keywords []string
	every    int64
	log      *slog.Logger
	now      func() time.Time
}

// NewProcessor wires a processor. tracker may be nil.
func NewProcessor(cfg config.Config, st StatsStore, src source.Source, pub EventPublisher, tracker JobTracker, log *slog.Logger) *Processor {
	every := int64(cfg.ProgressEvery)
	if every <= 0 {
		every = 1000
	}
	return &Processor{
		store:    st,
		source:   src,
		events:   pub,
		tracker:  tracker,
		keywords: cfg.Keywords,
		every:    every,
		log:      log,
		now:      time.Now,
	}
}

// Process runs a single attempt. A returned error means the attempt failed and
// the queue decides whether to retry. Once the attempt's lease is lost it
// returns queue.ErrLeaseLost and writes no terminal state.
func (p *Processor) Process(ctx context.Context, job models.Job) error {
	attempt := job.Attempts + 1
	log := p.log.With("job_id", job.ID, "attempt", attempt)
	start := p.now()

	if _, err := p.store.Create(ctx, store.CreateParams{
		JobID:    job.ID,
		FileID:   job.Payload.FileID,
		FileName: job.Payload.FileName,
		FileSize: job.Payload.FileSize,
		UserID:   job.Payload.UserID,
		Attempt:  attempt,
	}); err != nil {
		return fmt.Errorf("create stats record: %w", err)
	}

	acc := stats.New(p.keywords)
	if err := p.scan(ctx, job, acc, log); err != nil {
		return p.fail(ctx, job, attempt, err, log)
	}

	final := acc.Snapshot()
	elapsed := p.now().Sub(start).Milliseconds()
	if err := p.checkLease(ctx, job); err != nil {
		return p.fail(ctx, job, attempt, err, log)
	}
	if err := p.store.Complete(ctx, job.ID, final, elapsed); err != nil {
		return p.fail(ctx, job, attempt, fmt.Errorf("save final stats: %w", err), log)
	}

	if err := p.source.Remove(ctx, job.Payload.FileRef); err != nil {
		log.Warn("remove processed file", "file_ref", job.Payload.FileRef, "error", err)
	}

	p.events.Publish(ctx, job.Payload.UserID, events.Event{
		Kind:             events.KindCompleted,
		JobID:            job.ID,
		FileID:           job.Payload.FileID,
		FileName:         job.Payload.FileName,
		Progress:         100,
		Stats:            &final,
		ProcessingTimeMS: elapsed,
	})
	log.Info("job completed", "total_lines", final.TotalLines, "errors", final.ErrorCount, "warnings", final.WarningCount, "processing_ms", elapsed)
	return nil
}

func (p *Processor) scan(ctx context.Context, job models.Job, acc *stats.Accumulator, log *slog.Logger) error {
	rc, err := p.source.Open(ctx, job.Payload.FileRef)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer rc.Close()

	var reported int64
	err = eachLine(rc, func(line []byte, oversized bool) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if oversized {
			log.Warn("line exceeds parse limit, counted as unparsed", "line", acc.Lines()+1, "limit_bytes", maxLineBytes)
			acc.Observe(nil)
		} else {
			acc.Observe(logparse.Parse(string(line)))
		}
		lines := acc.Lines()
		if lines%p.every != 0 {
			return nil
		}
		telemetry.LinesProcessed.Add(float64(lines - reported))
		reported = lines
		return p.reportProgress(ctx, job, acc, log)
	})
	telemetry.LinesProcessed.Add(float64(acc.Lines() - reported))
	return err
}

// eachLine calls fn for every line of r with the terminator (and a trailing
// CR) removed. A line longer than maxLineBytes is drained and passed as
// oversized with no content.
func eachLine(r io.Reader, fn func(line []byte, oversized bool) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	pending, oversized := false, false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = true
			if !oversized {
				line = append(line, chunk...)
				if len(bytes.TrimRight(line, "\r\n")) > maxLineBytes {
					oversized, line = true, line[:0]
				}
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read log file: %w", err)
		}
		if pending {
			content := bytes.TrimSuffix(bytes.TrimSuffix(line, []byte("\n")), []byte("\r"))
			if ferr := fn(content, oversized); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return nil
		}
		line, pending, oversized = line[:0], false, false
	}
}

func (p *Processor) reportProgress(ctx context.Context, job models.Job, acc *stats.Accumulator, log *slog.Logger) error {
	pct := progressPercent(acc.Lines(), job.Payload.FileSize)
	snap := acc.Snapshot()
	log.Debug("processing progress", "progress", pct, "lines", snap.TotalLines)

	p.events.Publish(ctx, job.Payload.UserID, events.Event{
		Kind:     events.KindProgress,
		JobID:    job.ID,
		FileID:   job.Payload.FileID,
		FileName: job.Payload.FileName,
		Progress: pct,
		Stats:    &snap,
	})
	if p.tracker != nil {
		if err := p.tracker.SetProgress(ctx, job.ID, pct); err != nil {
			log.Warn("record queue progress", "error", err)
		}
	}
	if err := p.store.UpdateProgress(ctx, job.ID, snap); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (p *Processor) checkLease(ctx context.Context, job models.Job) error {
	if cause := context.Cause(ctx); errors.Is(cause, queue.ErrLeaseLost) {
		return cause
	}
	if p.tracker == nil {
		return nil
	}
	return p.tracker.CheckLease(ctx, job.ID, job.Lease)
}

func (p *Processor) fail(ctx context.Context, job models.Job, attempt int, cause error, log *slog.Logger) error {
	if !errors.Is(cause, queue.ErrLeaseLost) {
		if err := p.checkLease(ctx, job); errors.Is(err, queue.ErrLeaseLost) {
			cause = err
		}
	}
	if errors.Is(cause, queue.ErrLeaseLost) {
		log.Warn("lease lost, leaving the job to its new holder", "error", cause)
		return cause
	}
	if err := p.store.Fail(ctx, job.ID, cause.Error(), attempt); err != nil {
		log.Error("mark stats failed", "error", err)
	}
	p.events.Publish(ctx, job.Payload.UserID, events.Event{
		Kind:     events.KindFailed,
		JobID:    job.ID,
		FileID:   job.Payload.FileID,
		FileName: job.Payload.FileName,
		Error:    cause.Error(),
	})
	return cause
}

// Abandon records a job the queue gave up on without a running attempt to
// report it, such as one whose lease expired too many times.
func (p *Processor) Abandon(ctx context.Context, job models.Job, reason string) {
	log := p.log.With("job_id", job.ID)
	err := p.store.Fail(ctx, job.ID, reason, job.Attempts+1)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("mark stats failed", "error", err)
	}
	p.events.Publish(ctx, job.Payload.UserID, events.Event{
		Kind:     events.KindFailed,
		JobID:    job.ID,
		FileID:   job.Payload.FileID,
		FileName: job.Payload.FileName,
		Error:    reason,
	})
}

// progressPercent estimates completion from lines read against the declared
// size. It never reports 100 before the stream ends.
func progressPercent(lines, size int64) int {
	if size <= 0 {
		return 99
	}
	pct := math.Floor(float64(lines) / (float64(size) / 100) * 100)
	if pct > 99 {
		return 99
	}
	return int(pct)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
