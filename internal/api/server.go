package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"log-processing-service/internal/config"
	"log-processing-service/internal/events"
	"log-processing-service/internal/logger"
	"log-processing-service/internal/models"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/ratelimit"
	"log-processing-service/internal/source"
	"log-processing-service/internal/store"
	"log-processing-service/internal/telemetry"
)

// StatsReader is the read side of the stats store.
type StatsReader interface {
	GetByJobID(ctx context.Context, jobID string) (models.StatsRecord, error)
	ListByUser(ctx context.Context, userID string) ([]models.StatsRecord, error)
}

// Subscriber streams a topic's events until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan events.Event, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter and Events may be nil.
type Deps struct {
	Queue   *queue.RedisQueue
	Stats   StatsReader
	Files   source.Source
	Limiter *ratelimit.TokenBucket
	Events  Subscriber
	Log     *slog.Logger
}

// Server wires HTTP handlers for uploads, queue status and stats queries.
type Server struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	stats   StatsReader
	files   source.Source
	limiter *ratelimit.TokenBucket
	events  Subscriber
	log     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 * 1024 * 1024
	}
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		cfg:     cfg,
		queue:   d.Queue,
		stats:   d.Stats,
		files:   d.Files,
		limiter: d.Limiter,
		events:  d.Events,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/upload-logs", s.handleUpload)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/queue-status", s.handleQueueStatus)
		r.Get("/stats", s.handleListStats)
		r.Get("/stats/{jobId}", s.handleGetStats)
		r.Get("/events", s.handleEvents)
	})
	return r
}

type userKey struct{}

// requireUser rejects requests without an X-User-ID header. Authentication
// itself happens upstream.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Message  string `json:"message"`
}

// Multipart framing allowance on top of the file size limit.
const multipartOverhead = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, s.log)
	user := userFromContext(ctx)

	if !s.allow(w, r, user) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()
	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	fileName := header.Filename
	if fileName == "" {
		fileName = "unknown-file"
	}
	fileID := uuid.New().String()
	ref, size, err := s.files.Save(ctx, fileID+safeExt(fileName), file)
	if err != nil {
		log.Error("save upload", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to upload and process file")
		return
	}

	h, err := s.queue.Enqueue(ctx, models.JobPayload{
		FileID:   fileID,
		FileRef:  ref,
		FileName: fileName,
		FileSize: size,
		UserID:   user,
	}, queue.EnqueueOptions{})
	if err != nil {
		log.Error("enqueue upload", "file_id", fileID, "error", err)
		if rerr := s.files.Remove(ctx, ref); rerr != nil {
			log.Warn("remove orphaned upload", "file_ref", ref, "error", rerr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to upload and process file")
		return
	}
	telemetry.EnqueueCounter.Inc()
	log.Info("upload queued", "job_id", h.ID, "file_name", fileName, "file_size", size, "priority", h.Priority)

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		JobID:    h.ID,
		FileID:   fileID,
		FileName: fileName,
		Message:  "File uploaded and queued for processing",
	})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, user string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), s.limiter.Key("upload", user))
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("rate limit check", "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
		return false
	}
	return true
}

type submitResponse struct {
	Job       queue.Handle `json:"job"`
	Duplicate bool         `json:"duplicate"`
}

// handleSubmit admits a job for a file that is already stored. The file id is
// the idempotency key.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FileID == "" || req.FileRef == "" {
		writeError(w, http.StatusBadRequest, "fileId and fileRef are required")
		return
	}
	user := userFromContext(r.Context())
	if req.UserID != "" && req.UserID != user {
		writeError(w, http.StatusForbidden, "userId does not match the caller")
		return
	}
	req.UserID = user

	h, err := s.queue.Enqueue(r.Context(), req, queue.EnqueueOptions{})
	if errors.Is(err, queue.ErrInvalidJob) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("enqueue", "file_id", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if h.Duplicate {
		telemetry.DuplicateCounter.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Job: h, Duplicate: h.Duplicate})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) || (err == nil && job.Payload.UserID != userFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Status(r.Context())
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("queue status", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch queue status")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleListStats(w http.ResponseWriter, r *http.Request) {
	records, err := s.stats.ListByUser(r.Context(), userFromContext(r.Context()))
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("list stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch statistics")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	rec, err := s.stats.GetByJobID(r.Context(), chi.URLParam(r, "jobId"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.UserID != userFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch job statistics")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// safeExt keeps a short extension from the client's file name.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
