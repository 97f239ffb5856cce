package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"log-processing-service/internal/models"
)

// Memory is an in-process stats store with the same semantics as Postgres.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*models.StatsRecord
	order   []string
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*models.StatsRecord), now: time.Now}
}

func (m *Memory) Create(_ context.Context, p CreateParams) (models.StatsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec, ok := m.records[p.JobID]
	if !ok {
		rec = &models.StatsRecord{ID: uuid.New().String(), JobID: p.JobID, CreatedAt: now}
		m.records[p.JobID] = rec
		m.order = append(m.order, p.JobID)
	}
	rec.FileID = p.FileID
	rec.FileName = p.FileName
	rec.FileSize = p.FileSize
	rec.UserID = p.UserID
	rec.Status = models.StatusProcessing
	rec.TotalLines, rec.ErrorCount, rec.WarningCount = 0, 0, 0
	rec.KeywordMatches = map[string]int64{}
	rec.IPAddresses = map[string]int64{}
	rec.ProcessingTimeMS = 0
	rec.Attempts = p.Attempt
	rec.ErrorMessage = nil
	rec.UpdatedAt = now
	return copyRecord(rec), nil
}

func (m *Memory) UpdateProgress(_ context.Context, jobID string, c models.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	applyCounters(rec, c)
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Complete(_ context.Context, jobID string, c models.Counters, processingMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	applyCounters(rec, c)
	rec.Status = models.StatusCompleted
	rec.ProcessingTimeMS = processingMS
	rec.ErrorMessage = nil
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Fail(_ context.Context, jobID string, message string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = models.StatusFailed
	rec.ErrorMessage = &message
	rec.Attempts = attempt
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) GetByJobID(_ context.Context, jobID string) (models.StatsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[jobID]
	if !ok {
		return models.StatsRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// ListByUser returns a user's records, newest first.
func (m *Memory) ListByUser(_ context.Context, userID string) ([]models.StatsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.StatsRecord{}
	for i := len(m.order) - 1; i >= 0; i-- {
		if rec := m.records[m.order[i]]; rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (m *Memory) Close() {}

func applyCounters(rec *models.StatsRecord, c models.Counters) {
	rec.TotalLines = c.TotalLines
	rec.ErrorCount = c.ErrorCount
	rec.WarningCount = c.WarningCount
	rec.KeywordMatches = copyMap(c.KeywordMatches)
	rec.IPAddresses = copyMap(c.IPAddresses)
}

func copyRecord(rec *models.StatsRecord) models.StatsRecord {
	out := *rec
	out.KeywordMatches = copyMap(rec.KeywordMatches)
	out.IPAddresses = copyMap(rec.IPAddresses)
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
