package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log-processing-service/internal/models"
	"log-processing-service/internal/queue"
)

var errMissingUser = errors.New("user id not set: use --user or LOGCTL_USER")

// LogClient calls the log processing API.
type LogClient struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
}

func NewLogClient(baseURL, userID string) *LogClient {
	return &LogClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		UserID:     userID,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// UploadResult mirrors the upload endpoint's response.
type UploadResult struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Message  string `json:"message"`
}

// Upload sends a file to POST /upload-logs.
func (c *LogClient) Upload(path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	var out UploadResult
	if err := c.do(http.MethodPost, "/upload-logs", mw.FormDataContentType(), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueStatus calls GET /queue-status.
func (c *LogClient) QueueStatus() (*queue.Counts, error) {
	var out queue.Counts
	if err := c.do(http.MethodGet, "/queue-status", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStats calls GET /stats.
func (c *LogClient) ListStats() ([]models.StatsRecord, error) {
	var out []models.StatsRecord
	if err := c.do(http.MethodGet, "/stats", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats calls GET /stats/{jobId}.
func (c *LogClient) GetStats(jobID string) (*models.StatsRecord, error) {
	var out models.StatsRecord
	if err := c.do(http.MethodGet, "/stats/"+jobID, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob calls GET /jobs/{id}.
func (c *LogClient) GetJob(jobID string) (*models.Job, error) {
	var out models.Job
	if err := c.do(http.MethodGet, "/jobs/"+jobID, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *LogClient) do(method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-User-ID", c.UserID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
