package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/gokit/resilience"

	"github.com/orchids/transcription-service/internal/domain"
)

func TestPunctuator(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"今天 天气 很好 但是 明天 下雨", "今天天气很好但是，明天下雨。"},
		{"你好,世界!", "你好，世界！"},
		{"ＧＰＵ 温度 ８０ 度", "GPU温度80度。"},
		{"所以，我们走吧。", "所以，我们走吧。"},
		{"是吗?", "是吗？"},
		{"hello   world", "hello world。"},
	}
	p := NewPunctuator("zh")
	for _, tt := range tests {
		got, err := p.Process(context.Background(), tt.in)
		if err != nil {
			t.Fatalf("Process(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Process(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if !p.Available(context.Background()) || p.Language() != "zh" {
		t.Error("built-in punctuator should always be available for its language")
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	if _, ok := New(Config{}).(*Punctuator); !ok {
		t.Error("New() without URL should return the built-in punctuator")
	}
	p := New(Config{URL: "http://localhost:9999/", Language: "zh"})
	h, ok := p.(*HTTPProcessor)
	if !ok || h.url != "http://localhost:9999" {
		t.Errorf("New() with URL = %#v", p)
	}
}

func TestHTTPProcessor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/process":
			var req processRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language != "zh" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(processResponse{Text: req.Text + "。"})
		}
	}))
	defer srv.Close()

	p := NewHTTPProcessor(Config{URL: srv.URL, Language: "zh", Timeout: time.Second})
	if !p.Available(context.Background()) {
		t.Fatal("Available() = false")
	}
	got, err := p.Process(context.Background(), "你好")
	if err != nil || got != "你好。" {
		t.Errorf("Process() = %q, %v", got, err)
	}
}

func TestHTTPProcessorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProcessor(Config{URL: srv.URL, Language: "zh"})
	if p.Available(context.Background()) {
		t.Error("Available() = true for failing sidecar")
	}
	if _, err := p.Process(context.Background(), "你好"); !errors.Is(err, domain.ErrPostProcessingUnavailable) {
		t.Errorf("Process() error = %v, want ErrPostProcessingUnavailable", err)
	}

	down := NewHTTPProcessor(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if _, err := down.Process(context.Background(), "x"); !errors.Is(err, domain.ErrPostProcessingUnavailable) {
		t.Errorf("Process() against closed port error = %v", err)
	}
}

func TestHTTPProcessorOpensCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProcessor(Config{URL: srv.URL, Language: "zh", Timeout: time.Second})
	for i := 0; i < 5; i++ {
		p.Process(context.Background(), "你好")
	}
	_, err := p.Process(context.Background(), "你好")
	if !errors.Is(err, domain.ErrPostProcessingUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Process() error = %v, want open circuit", err)
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("sidecar hits = %d, want 5", n)
	}
}
