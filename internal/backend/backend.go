// Package backend talks to the inference sidecars. Each model family has one
// Backend registered; the pipeline picks it by the catalog entry's family.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/gokit/httpclient"

	"github.com/orchids/transcription-service/internal/domain"
)

// Media is the decoded input handed to a backend.
type Media struct {
	AudioPath string
	Duration  float64
	Language  string
	Model     string
	Settings  domain.Settings
}

// RawResult is the backend's output before normalization.
type RawResult struct {
	Segments []domain.Segment
	Text     string
	Language string
}

// Backend runs inference for one model family. emit is called once per
// segment in the order the sidecar produces them.
type Backend interface {
	Name() string
	Available(ctx context.Context) bool
	Transcribe(ctx context.Context, media Media, emit func(domain.Segment)) (*RawResult, error)
}

type Registry struct {
	mu       sync.RWMutex
	backends map[domain.ModelFamily]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[domain.ModelFamily]Backend)}
}

func (r *Registry) Register(family domain.ModelFamily, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[family] = b
}

func (r *Registry) For(family domain.ModelFamily) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBackend, family)
	}
	return b, nil
}

// Health reports sidecar availability per registered family.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.backends))
	for family, b := range r.backends {
		out[string(family)] = b.Available(ctx)
	}
	return out
}

// sidecar is the HTTP transport shared by the backend clients.
type sidecar struct {
	client  *httpclient.Adapter
	timeout time.Duration
	err     error
}

const defaultTimeout = 30 * time.Minute

func newSidecar(baseURL string, timeout time.Duration) sidecar {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client, err := httpclient.New(httpclient.Config{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
	})
	return sidecar{client: client, timeout: timeout, err: err}
}

func (s sidecar) healthy(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	_, err := s.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/health"})
	return err == nil
}

// audioStream is a sidecar response bounded by the backend timeout.
type audioStream struct {
	*httpclient.StreamResponse
	cancel context.CancelFunc
}

func (a *audioStream) Close() error {
	defer a.cancel()
	return a.StreamResponse.Close()
}

// postAudio uploads the decoded audio together with inference parameters.
// The form is written through a pipe so the file is never held in memory.
// The caller must close the returned stream.
func (s sidecar) postAudio(ctx context.Context, path string, media Media) (*audioStream, error) {
	if s.err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendFailure, s.err)
	}
	f, err := os.Open(media.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(writeAudioForm(writer, f, media))
	}()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.client.DoStream(reqCtx, httpclient.Request{
		Method:  http.MethodPost,
		Path:    path,
		Headers: map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:    pr,
	})
	if err != nil {
		cancel()
		pr.CloseWithError(err)
		return nil, s.failure(ctx, err)
	}
	if resp.Body == nil {
		resp.Close()
		cancel()
		return nil, fmt.Errorf("%w: sidecar answered with an event stream", domain.ErrBackendFailure)
	}
	return &audioStream{StreamResponse: resp, cancel: cancel}, nil
}

// failure maps a transport error to ErrBackendFailure unless the caller's
// context ended first.
func (s sidecar) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var herr *httpclient.Error
	if errors.As(err, &herr) && herr.StatusCode > 0 {
		return fmt.Errorf("%w: sidecar returned status %d: %s", domain.ErrBackendFailure, herr.StatusCode, excerpt(herr.Body))
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendFailure, err)
}

func excerpt(body []byte) []byte {
	if len(body) > 4096 {
		body = body[:4096]
	}
	return bytes.TrimSpace(body)
}

// writeAudioForm writes the inference fields followed by the audio part.
func writeAudioForm(writer *multipart.Writer, audio io.Reader, media Media) error {
	device := "cpu"
	if media.Settings.UseGPU {
		device = "cuda"
	}
	computeType := "float32"
	if media.Settings.Precision == domain.PrecisionFP16 {
		computeType = "float16"
	}
	fields := []struct{ name, value string }{
		{"model", media.Model},
		{"language", media.Language},
		{"device", device},
		{"device_id", media.Settings.DeviceID},
		{"compute_type", computeType},
		{"batch_size", strconv.Itoa(max(1, media.Settings.BatchSize))},
		{"use_tensorrt", strconv.FormatBool(media.Settings.UseAcceleratedRuntime)},
		{"stream", "true"},
		{"duration_hint", strconv.FormatFloat(media.Duration, 'f', 3, 64)},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := writer.WriteField(field.name, field.value); err != nil {
			return fmt.Errorf("write field %s: %w", field.name, err)
		}
	}
	part, err := writer.CreateFormFile("audio", filepath.Base(media.AudioPath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	return writer.Close()
}
