// Package events carries progress and completion notifications to the user
// who submitted a job. Delivery is best effort.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"log-processing-service/internal/models"
	"log-processing-service/internal/telemetry"
)

// Event kinds.
const (
	KindProgress  = "job-progress"
	KindCompleted = "job-completed"
	KindFailed    = "job-failed"
)

// Event is one notification about a job.
type Event struct {
	Kind             string           `json:"type"`
	JobID            string           `json:"jobId"`
	FileID           string           `json:"fileId,omitempty"`
	FileName         string           `json:"fileName,omitempty"`
	Progress         int              `json:"progress,omitempty"`
	Stats            *models.Counters `json:"stats,omitempty"`
	ProcessingTimeMS int64            `json:"processingTime,omitempty"`
	Error            string           `json:"error,omitempty"`
	At               time.Time        `json:"at"`
}

// Sink delivers events to subscribers of a topic.
type Sink interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Topic names the channel of a user.
func Topic(userID string) string {
	return "user:" + userID
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, Event) error { return nil }

const defaultPublishTimeout = 2 * time.Second

// Publisher sends events through a sink without ever failing the caller.
// Errors and panics from the sink are logged and counted.
type Publisher struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
}

// NewPublisher wraps sink. A nil sink behaves like NopSink.
func NewPublisher(sink Sink, log *slog.Logger) *Publisher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Publisher{sink: sink, log: log, timeout: defaultPublishTimeout}
}

// Publish sends ev to the topic of userID.
func (p *Publisher) Publish(ctx context.Context, userID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.send(ctx, Topic(userID), ev); err != nil {
		telemetry.EventFailures.Inc()
		p.log.Warn("event publish failed", "kind", ev.Kind, "job_id", ev.JobID, "error", err)
	}
}

func (p *Publisher) send(ctx context.Context, topic string, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return p.sink.Publish(ctx, topic, ev)
}
