package models

import (
	"time"
)

// Job states tracked by the queue.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// JobPayload describes the uploaded file a job processes.
type JobPayload struct {
	FileID   string `json:"fileId"`
	FileRef  string `json:"fileRef"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	UserID   string `json:"userId"`
}

// Job is the queue's view of one unit of file-processing work. ID equals Payload.FileID.
// Lease is the token of the claim that returned the job and is never serialized.
type Job struct {
	ID          string     `json:"id"`
	Payload     JobPayload `json:"payload"`
	Priority    int        `json:"priority"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Progress    int        `json:"progress"`
	Stalls      int        `json:"stalls"`
	Lease       string     `json:"-"`
	LastError   *string    `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Exhausted reports whether the job has used up its attempt ceiling.
func (j Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}
