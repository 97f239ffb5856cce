package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"log-processing-service/internal/models"
)

// ErrNotFound is returned when no stats record exists for a job.
var ErrNotFound = errors.New("stats record not found")

// CreateParams identifies the job a stats record belongs to.
type CreateParams struct {
	JobID    string
	FileID   string
	FileName string
	FileSize int64
	UserID   string
	// Attempt is the 1-based attempt number starting now.
	Attempt int
}

// Postgres wraps pgxpool for stats persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const recordColumns = `id, job_id, file_id, file_name, file_size, user_id, status, total_lines, error_count,
	warning_count, keyword_matches, ip_addresses, processing_time, attempts, error_message, created_at, updated_at`

// Create inserts a processing record with zeroed counters. A record left by an
// earlier attempt of the same job is reset in place, keeping its id.
func (s *Postgres) Create(ctx context.Context, p CreateParams) (models.StatsRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO log_stats (id, job_id, file_id, file_name, file_size, user_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_lines = 0,
			error_count = 0,
			warning_count = 0,
			keyword_matches = '{}'::jsonb,
			ip_addresses = '{}'::jsonb,
			processing_time = 0,
			attempts = EXCLUDED.attempts,
			error_message = NULL,
			updated_at = NOW()
		RETURNING `+recordColumns,
		uuid.New().String(), p.JobID, p.FileID, p.FileName, p.FileSize, p.UserID, models.StatusProcessing, p.Attempt)
	rec, err := scanRecord(row)
	if err != nil {
		return models.StatsRecord{}, fmt.Errorf("create stats %s: %w", p.JobID, err)
	}
	return rec, nil
}

// UpdateProgress writes running counters.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, c models.Counters) error {
	kw, ips, err := encodeMaps(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE log_stats
		SET total_lines = $2, error_count = $3, warning_count = $4, keyword_matches = $5, ip_addresses = $6, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, c.TotalLines, c.ErrorCount, c.WarningCount, kw, ips)
	if err != nil {
		return fmt.Errorf("update stats %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete writes final counters and marks the record completed.
func (s *Postgres) Complete(ctx context.Context, jobID string, c models.Counters, processingMS int64) error {
	kw, ips, err := encodeMaps(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE log_stats
		SET status = $2, total_lines = $3, error_count = $4, warning_count = $5, keyword_matches = $6,
			ip_addresses = $7, processing_time = $8, error_message = NULL, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.StatusCompleted, c.TotalLines, c.ErrorCount, c.WarningCount, kw, ips, processingMS)
	if err != nil {
		return fmt.Errorf("complete stats %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail marks the record failed with the attempt's error.
func (s *Postgres) Fail(ctx context.Context, jobID string, message string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE log_stats SET status = $2, error_message = $3, attempts = $4, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.StatusFailed, message, attempt)
	if err != nil {
		return fmt.Errorf("fail stats %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByJobID fetches the record of one job.
func (s *Postgres) GetByJobID(ctx context.Context, jobID string) (models.StatsRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM log_stats WHERE job_id = $1`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatsRecord{}, ErrNotFound
	}
	if err != nil {
		return models.StatsRecord{}, fmt.Errorf("get stats %s: %w", jobID, err)
	}
	return rec, nil
}

// ListByUser returns a user's records, newest first.
func (s *Postgres) ListByUser(ctx context.Context, userID string) ([]models.StatsRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM log_stats WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list stats for %s: %w", userID, err)
	}
	defer rows.Close()

	out := []models.StatsRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (models.StatsRecord, error) {
	var (
		rec     models.StatsRecord
		kwJSON  []byte
		ipJSON  []byte
		errText pgtype.Text
	)
	if err := row.Scan(&rec.ID, &rec.JobID, &rec.FileID, &rec.FileName, &rec.FileSize, &rec.UserID, &rec.Status,
		&rec.TotalLines, &rec.ErrorCount, &rec.WarningCount, &kwJSON, &ipJSON, &rec.ProcessingTimeMS,
		&rec.Attempts, &errText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.StatsRecord{}, err
	}
	if err := json.Unmarshal(kwJSON, &rec.KeywordMatches); err != nil {
		return models.StatsRecord{}, fmt.Errorf("decode keyword_matches: %w", err)
	}
	if err := json.Unmarshal(ipJSON, &rec.IPAddresses); err != nil {
		return models.StatsRecord{}, fmt.Errorf("decode ip_addresses: %w", err)
	}
	if errText.Valid {
		rec.ErrorMessage = &errText.String
	}
	return rec, nil
}

func encodeMaps(c models.Counters) ([]byte, []byte, error) {
	kw, err := json.Marshal(nonNil(c.KeywordMatches))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal keyword_matches: %w", err)
	}
	ips, err := json.Marshal(nonNil(c.IPAddresses))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal ip_addresses: %w", err)
	}
	return kw, ips, nil
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
