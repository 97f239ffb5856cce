package models

import "time"

// Stats record statuses persisted in the stats store.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StatsRecord is the durable projection of one job's run statistics.
type StatsRecord struct {
	ID               string           `json:"id"`
	JobID            string           `json:"job_id"`
	FileID           string           `json:"file_id"`
	FileName         string           `json:"file_name"`
	FileSize         int64            `json:"file_size"`
	UserID           string           `json:"user_id"`
	Status           string           `json:"status"`
	TotalLines       int64            `json:"total_lines"`
	ErrorCount       int64            `json:"error_count"`
	WarningCount     int64            `json:"warning_count"`
	KeywordMatches   map[string]int64 `json:"keyword_matches"`
	IPAddresses      map[string]int64 `json:"ip_addresses"`
	ProcessingTimeMS int64            `json:"processing_time"`
	Attempts         int              `json:"attempts"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Counters is the set of running totals written to a stats record.
type Counters struct {
	TotalLines     int64            `json:"totalLines"`
	ErrorCount     int64            `json:"errorCount"`
	WarningCount   int64            `json:"warningCount"`
	KeywordMatches map[string]int64 `json:"keywordMatches"`
	IPAddresses    map[string]int64 `json:"ipAddresses"`
}
