// Package postprocess applies language-specific text cleanup to transcripts.
package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kbukum/gokit/httpclient"

	"github.com/orchids/transcription-service/internal/domain"
)

// Processor rewrites transcript text for one language.
type Processor interface {
	Language() string
	Available(ctx context.Context) bool
	Process(ctx context.Context, text string) (string, error)
}

type Config struct {
	URL      string
	Language string
	Timeout  time.Duration
}

// New returns the sidecar client when a URL is configured and the built-in
// punctuator otherwise.
func New(cfg Config) Processor {
	if cfg.Language == "" {
		cfg.Language = "zh"
	}
	if cfg.URL != "" {
		return NewHTTPProcessor(cfg)
	}
	return NewPunctuator(cfg.Language)
}

// HTTPProcessor calls a text-processing sidecar. Repeated failures open a
// circuit breaker so a dead sidecar fails fast.
type HTTPProcessor struct {
	url      string
	language string
	client   *httpclient.Adapter
	err      error
}

func NewHTTPProcessor(cfg Config) *HTTPProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	url := strings.TrimRight(cfg.URL, "/")
	client, err := httpclient.New(httpclient.Config{
		BaseURL:        url,
		Timeout:        cfg.Timeout,
		CircuitBreaker: httpclient.DefaultCircuitBreakerConfig("postprocess-" + cfg.Language),
	})
	return &HTTPProcessor{
		url:      url,
		language: cfg.Language,
		client:   client,
		err:      err,
	}
}

func (p *HTTPProcessor) Language() string { return p.language }

func (p *HTTPProcessor) Available(ctx context.Context) bool {
	if p.err != nil {
		return false
	}
	_, err := p.client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/health"})
	return err == nil
}

type processRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type processResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProcessor) Process(ctx context.Context, text string) (string, error) {
	if p.err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPostProcessingUnavailable, p.err)
	}
	resp, err := p.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/process",
		Body:   processRequest{Text: text, Language: p.language},
	})
	if err != nil {
		var herr *httpclient.Error
		if errors.As(err, &herr) && herr.StatusCode > 0 {
			body := herr.Body
			if len(body) > 1024 {
				body = body[:1024]
			}
			return "", fmt.Errorf("%w: status %d: %s", domain.ErrPostProcessingUnavailable, herr.StatusCode, bytes.TrimSpace(body))
		}
		return "", fmt.Errorf("%w: %w", domain.ErrPostProcessingUnavailable, err)
	}
	var out processResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrPostProcessingUnavailable, err)
	}
	return out.Text, nil
}
