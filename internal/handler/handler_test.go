package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchids/transcription-service/internal/catalog"
	"github.com/orchids/transcription-service/internal/config"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/service"
	"github.com/orchids/transcription-service/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScheduler struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]domain.Job
	err    error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[int64]domain.Job)}
}

func (f *fakeScheduler) AddJob(ctx context.Context, input domain.InputDescriptor, priority int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.jobs[f.nextID] = *domain.NewJob(f.nextID, input, priority, time.Now())
	return f.nextID, nil
}

func (f *fakeScheduler) put(job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeScheduler) CancelJob(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false
	}
	job.Status = domain.JobStatusCancelled
	f.jobs[id] = job
	return true
}

func (f *fakeScheduler) Jobs(status domain.JobStatus, limit int) []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeScheduler) QueueStatus() domain.QueueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := domain.QueueStatus{MaxConcurrent: 2}
	for _, j := range f.jobs {
		if j.Status == domain.JobStatusQueued {
			q.QueueLength++
		}
	}
	return q
}

func (f *fakeScheduler) Get(ctx context.Context, id int64) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %d: %w", id, domain.ErrJobNotFound)
	}
	return job, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid response body %q: %v", w.Body.String(), err)
	}
	return env
}

func errorCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

func newTranscriptionRouter(t *testing.T, sched *fakeScheduler) (*gin.Engine, string) {
	t.Helper()
	uploadDir := t.TempDir()
	uploads := service.NewUploadService(catalog.Default(), sched, &config.StorageConfig{
		UploadPath:        uploadDir,
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".wav", ".mp4"},
	}, logger.Nop())
	h := NewTranscriptionHandler(uploads, sched, sched, 1, logger.Nop())

	r := gin.New()
	r.POST("/api/transcribe", h.Submit)
	r.GET("/api/jobs", h.ListJobs)
	r.GET("/api/jobs/:id", h.GetJob)
	r.DELETE("/api/jobs/:id", h.CancelJob)
	r.GET("/api/jobs/:id/artifacts/:format", h.DownloadArtifact)
	return r, uploadDir
}

func wavBytes() []byte {
	b := make([]byte, 128)
	copy(b, "RIFF")
	copy(b[8:], "WAVEfmt ")
	return b
}

func multipartRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSubmitQueuesJob(t *testing.T) {
	sched := newFakeScheduler()
	r, uploadDir := newTranscriptionRouter(t, sched)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "meeting.wav", wavBytes(), map[string]string{
		"model":            "whisper-small",
		"language":         "en",
		"tensorrt_enabled": "true",
		"priority":         "3",
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	env := decode(t, w)
	var data struct {
		JobID int64 `json:"job_id"`
	}
	json.Unmarshal(env.Data, &data)
	if !env.Success || data.JobID != 1 {
		t.Fatalf("response = %s", w.Body.String())
	}

	job := sched.jobs[1]
	if job.Priority != 3 || job.Input.Model != "whisper-small" || !job.Input.Acceleration.UseAcceleratedRuntime || !job.Input.Acceleration.GPUOptimization {
		t.Errorf("queued job = %+v", job)
	}
	if filepath.Dir(job.Input.MediaPath) != uploadDir || job.Input.OriginalFilename != "meeting.wav" {
		t.Errorf("media path = %s, original = %s", job.Input.MediaPath, job.Input.OriginalFilename)
	}
	if info, err := os.Stat(job.Input.MediaPath); err != nil || info.Size() != 128 {
		t.Errorf("stored media: %v", err)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		wantCode string
	}{
		{"missing file", "", nil, nil, "VALIDATION_ERROR"},
		{"unknown model", "a.wav", wavBytes(), map[string]string{"model": "nope"}, "UNKNOWN_MODEL"},
		{"unsupported language", "a.wav", wavBytes(), map[string]string{"model": "fireredasr-aed", "language": "en"}, "UNSUPPORTED_LANGUAGE"},
		{"bad extension", "a.exe", wavBytes(), nil, "INVALID_FORMAT"},
		{"not media", "a.wav", bytes.Repeat([]byte("x"), 100), nil, "INVALID_FORMAT"},
		{"bad priority", "a.wav", wavBytes(), map[string]string{"priority": "high"}, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := newFakeScheduler()
			r, _ := newTranscriptionRouter(t, sched)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, multipartRequest(t, tt.filename, tt.content, tt.fields))

			env := decode(t, w)
			if env.Success || errorCode(env) != tt.wantCode {
				t.Errorf("status = %d, body = %s, want code %s", w.Code, w.Body.String(), tt.wantCode)
			}
			if len(sched.jobs) != 0 {
				t.Errorf("job queued on rejected input")
			}
		})
	}
}

func TestSubmitRemovesMediaWhenQueueFails(t *testing.T) {
	sched := newFakeScheduler()
	sched.err = errors.New("redis down")
	r, uploadDir := newTranscriptionRouter(t, sched)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "a.wav", wavBytes(), map[string]string{"language": "zh"}))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if entries, _ := os.ReadDir(uploadDir); len(entries) != 0 {
		t.Errorf("upload dir has %d leftover files", len(entries))
	}
}

func TestGetAndCancelJob(t *testing.T) {
	sched := newFakeScheduler()
	r, _ := newTranscriptionRouter(t, sched)
	running := *domain.NewJob(4, domain.InputDescriptor{Model: "whisper-small"}, 1, time.Now())
	running.Status = domain.JobStatusRunning
	running.Progress = 42
	sched.put(running)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/4", nil))
	var job domain.Job
	json.Unmarshal(decode(t, w).Data, &job)
	if w.Code != http.StatusOK || job.Progress != 42 || job.Status != domain.JobStatusRunning {
		t.Errorf("GET job = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/99", nil))
	if w.Code != http.StatusNotFound || errorCode(decode(t, w)) != "NOT_FOUND" {
		t.Errorf("GET unknown = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("GET invalid id = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/jobs/4", nil))
	if w.Code != http.StatusOK {
		t.Errorf("DELETE = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/jobs/4", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("second DELETE = %d, want 409", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/jobs/77", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown = %d, want 404", w.Code)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	sched := newFakeScheduler()
	r, _ := newTranscriptionRouter(t, sched)
	for i, st := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusCompleted, domain.JobStatusQueued} {
		j := *domain.NewJob(int64(i+1), domain.InputDescriptor{}, 1, time.Now())
		j.Status = st
		sched.put(j)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs?status=queued", nil))
	var jobs []domain.Job
	json.Unmarshal(decode(t, w).Data, &jobs)
	if len(jobs) != 2 || jobs[0].ID != 3 {
		t.Errorf("jobs = %+v", jobs)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=0", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d", w.Code)
	}
}

func TestDownloadArtifact(t *testing.T) {
	sched := newFakeScheduler()
	r, _ := newTranscriptionRouter(t, sched)

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "subtitles.vtt"), []byte("WEBVTT\n\n"), 0o644)
	done := *domain.NewJob(5, domain.InputDescriptor{}, 1, time.Now())
	done.Status = domain.JobStatusCompleted
	done.ArtifactDir = dir
	sched.put(done)
	queued := *domain.NewJob(6, domain.InputDescriptor{}, 1, time.Now())
	sched.put(queued)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/5/artifacts/vtt", nil))
	if w.Code != http.StatusOK || w.Body.String() != "WEBVTT\n\n" {
		t.Fatalf("vtt download = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/vtt; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}

	cases := map[string]int{
		"/api/jobs/5/artifacts/srt": http.StatusNotFound,
		"/api/jobs/6/artifacts/srt": http.StatusConflict,
		"/api/jobs/5/artifacts/doc": http.StatusBadRequest,
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}
