// Package store persists one stats record per log-processing job.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log-processing-service/internal/config"
	"log-processing-service/internal/models"
)

// Backend is a stats store implementation.
type Backend interface {
	Create(ctx context.Context, p CreateParams) (models.StatsRecord, error)
	UpdateProgress(ctx context.Context, jobID string, c models.Counters) error
	Complete(ctx context.Context, jobID string, c models.Counters, processingMS int64) error
	Fail(ctx context.Context, jobID string, message string, attempt int) error
	GetByJobID(ctx context.Context, jobID string) (models.StatsRecord, error)
	ListByUser(ctx context.Context, userID string) ([]models.StatsRecord, error)
	Close()
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Memory)(nil)
)

// ErrProcessLocal is returned by OpenShared for backends whose records are only
// visible inside the process that wrote them.
var ErrProcessLocal = errors.New("stats backend is process-local")

// Open builds the backend selected by STATS_BACKEND. Postgres schemas are
// migrated before use. The memory backend is for tests and single-process
// setups: records written by one process are invisible to every other.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch strings.ToLower(cfg.StatsBackend) {
	case "memory":
		return NewMemory(), nil
	case "", "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown stats backend %q", cfg.StatsBackend)
	}
}

// OpenShared is Open for processes that share records with others, such as the
// separate api and worker binaries. It rejects the memory backend.
func OpenShared(ctx context.Context, cfg config.Config) (Backend, error) {
	if strings.EqualFold(cfg.StatsBackend, "memory") {
		return nil, fmt.Errorf("%w: STATS_BACKEND=memory cannot be shared between api and worker", ErrProcessLocal)
	}
	return Open(ctx, cfg)
}
