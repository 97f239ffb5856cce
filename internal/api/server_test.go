package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"log-processing-service/internal/config"
	"log-processing-service/internal/events"
	"log-processing-service/internal/logger"
	"log-processing-service/internal/models"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/ratelimit"
	"log-processing-service/internal/source"
	"log-processing-service/internal/store"
)

type fixture struct {
	handler http.Handler
	queue   *queue.RedisQueue
	stats   *store.Memory
	sink    *events.RedisSink
	dir     string
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := t.TempDir()
	files, err := source.NewLocal(dir)
	if err != nil {
		t.Fatalf("local source: %v", err)
	}
	if cfg.RateLimitCapacity == 0 {
		cfg.RateLimitCapacity = 10
	}
	q := queue.NewRedisQueue(client, queue.Options{KeepCompleted: 100, KeepFailed: 100})
	st := store.NewMemory()
	sink := events.NewRedisSink(client, "logq")
	srv := New(cfg, Deps{
		Queue:   q,
		Stats:   st,
		Files:   files,
		Limiter: ratelimit.NewTokenBucket(client, "logq", cfg.RateLimitCapacity, 0.001),
		Events:  sink,
		Log:     logger.Discard(),
	})
	return &fixture{handler: srv.Router(), queue: q, stats: st, sink: sink, dir: dir}
}

func uploadRequest(t *testing.T, user, field, name, body string) *http.Request {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = io.WriteString(part, body)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload-logs", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(user, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.Config{})
	if rec := do(f.handler, get("", "/healthz")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUploadQueuesJob(t *testing.T) {
	f := newFixture(t, config.Config{})
	body := "[t] ERROR boom\n"
	rec := do(f.handler, uploadRequest(t, "u1", "file", "server.log", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.FileName != "server.log" || resp.JobID != resp.FileID || resp.Message != "File uploaded and queued for processing" {
		t.Fatalf("unexpected response %+v", resp)
	}

	job, err := f.queue.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("queued job: %v", err)
	}
	if job.State != models.StateWaiting || job.Priority != 1 || job.Payload.UserID != "u1" || job.Payload.FileSize != int64(len(body)) {
		t.Fatalf("unexpected job %+v", job)
	}
	saved, err := os.ReadFile(filepath.Join(f.dir, job.Payload.FileRef))
	if err != nil || string(saved) != body {
		t.Fatalf("expected upload saved, got %q err=%v", saved, err)
	}
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t, config.Config{MaxUploadBytes: 10})

	if rec := do(f.handler, uploadRequest(t, "", "file", "a.log", "x")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user, got %d", rec.Code)
	}
	if rec := do(f.handler, uploadRequest(t, "u1", "other", "a.log", "x")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file field, got %d", rec.Code)
	}
	if rec := do(f.handler, uploadRequest(t, "u1", "file", "a.log", strings.Repeat("x", 100))); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for large file, got %d", rec.Code)
	}
}

func TestUploadRateLimitedPerUser(t *testing.T) {
	f := newFixture(t, config.Config{RateLimitCapacity: 1})

	if rec := do(f.handler, uploadRequest(t, "u1", "file", "a.log", "x")); rec.Code != http.StatusOK {
		t.Fatalf("expected first upload accepted, got %d", rec.Code)
	}
	if rec := do(f.handler, uploadRequest(t, "u1", "file", "a.log", "x")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(f.handler, uploadRequest(t, "u2", "file", "a.log", "x")); rec.Code != http.StatusOK {
		t.Fatalf("other users are not limited, got %d", rec.Code)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, config.Config{})
	payload := `{"fileId":"f-1","fileRef":"f-1.log","fileName":"a.log","fileSize":20971520}`

	var responses []submitResponse
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(payload))
		req.Header.Set("X-User-ID", "u1")
		rec := do(f.handler, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp submitResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		responses = append(responses, resp)
	}
	if responses[0].Duplicate || !responses[1].Duplicate || responses[0].Job.Priority != 3 {
		t.Fatalf("unexpected responses %+v", responses)
	}

	rec := do(f.handler, get("u1", "/queue-status"))
	var counts queue.Counts
	_ = json.NewDecoder(rec.Body).Decode(&counts)
	if counts.Waiting != 1 || counts.Total != 1 {
		t.Fatalf("expected one waiting job, got %+v", counts)
	}

	jobRec := do(f.handler, get("u1", "/jobs/f-1"))
	if jobRec.Code != http.StatusOK {
		t.Fatalf("expected job view, got %d", jobRec.Code)
	}
	if rec := do(f.handler, get("u2", "/jobs/f-1")); rec.Code != http.StatusNotFound {
		t.Fatalf("jobs of other users are hidden, got %d", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, config.Config{})
	for _, body := range []string{`not json`, `{"fileRef":"x"}`, `{"fileId":"x"}`} {
		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
		req.Header.Set("X-User-ID", "u1")
		if rec := do(f.handler, req); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestSubmitRejectsOtherUsersID(t *testing.T) {
	f := newFixture(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"fileId":"f-2","fileRef":"f-2.log","userId":"u2"}`))
	req.Header.Set("X-User-ID", "u1")
	if rec := do(f.handler, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if _, err := f.queue.Get(context.Background(), "f-2"); err == nil {
		t.Fatalf("job must not be queued for another user")
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"fileId":"f-3","fileRef":"f-3.log","userId":"u1"}`))
	req.Header.Set("X-User-ID", "u1")
	if rec := do(f.handler, req); rec.Code != http.StatusAccepted {
		t.Fatalf("matching userId should be accepted, got %d", rec.Code)
	}
	job, err := f.queue.Get(context.Background(), "f-3")
	if err != nil || job.Payload.UserID != "u1" {
		t.Fatalf("unexpected job %+v err=%v", job, err)
	}
}

func TestStatsScopedToUser(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()
	_, _ = f.stats.Create(ctx, store.CreateParams{JobID: "j1", FileID: "j1", FileName: "a.log", UserID: "u1", Attempt: 1})
	_, _ = f.stats.Create(ctx, store.CreateParams{JobID: "j2", FileID: "j2", FileName: "b.log", UserID: "u2", Attempt: 1})

	rec := do(f.handler, get("u1", "/stats"))
	var list []models.StatsRecord
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].JobID != "j1" {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec := do(f.handler, get("u1", "/stats/j1")); rec.Code != http.StatusOK {
		t.Fatalf("expected own record, got %d", rec.Code)
	}
	if rec := do(f.handler, get("u1", "/stats/j2")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's record, got %d", rec.Code)
	}
	if rec := do(f.handler, get("u1", "/stats/missing")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}
	if rec := do(f.handler, get("", "/stats")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, config.Config{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q", line)
	}

	ev := events.Event{Kind: events.KindProgress, JobID: "j1", Progress: 50}
	if err := f.sink.Publish(ctx, events.Topic("u1"), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var got events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if got.JobID != "j1" || got.Progress != 50 {
				t.Fatalf("unexpected event %+v", got)
			}
			return
		}
	}
}
