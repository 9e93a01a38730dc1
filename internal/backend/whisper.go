package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"strings"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
)

const defaultWhisperURL = "http://localhost:8387"

// Whisper is a client for a faster-whisper sidecar. The sidecar streams one
// JSON object per line: segments first, then a "done" record.
type Whisper struct {
	sidecar
}

func NewWhisper(url string, timeout time.Duration) *Whisper {
	if url == "" {
		url = defaultWhisperURL
	}
	return &Whisper{sidecar: newSidecar(url, timeout)}
}

func (w *Whisper) Name() string { return string(domain.FamilyWhisper) }

func (w *Whisper) Available(ctx context.Context) bool {
	return w.healthy(ctx)
}

type whisperLine struct {
	Type       string   `json:"type"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogprob *float64 `json:"avg_logprob,omitempty"`
	Language   string   `json:"language,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type whisperResponse struct {
	Text     string        `json:"text"`
	Language string        `json:"language"`
	Segments []whisperLine `json:"segments"`
}

func (w *Whisper) Transcribe(ctx context.Context, media Media, emit func(domain.Segment)) (*RawResult, error) {
	resp, err := w.postAudio(ctx, "/transcribe", media)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Headers["Content-Type"])
	if mediaType == "application/json" {
		var body whisperResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: decode whisper response: %v", domain.ErrBackendFailure, err)
		}
		out := &RawResult{Text: body.Text, Language: body.Language}
		for _, line := range body.Segments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			seg := line.segment()
			out.Segments = append(out.Segments, seg)
			emit(seg)
		}
		return out, nil
	}

	out := &RawResult{Language: media.Language}
	done := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line whisperLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("%w: malformed stream line: %v", domain.ErrBackendFailure, err)
		}
		switch line.Type {
		case "segment", "":
			seg := line.segment()
			out.Segments = append(out.Segments, seg)
			emit(seg)
		case "done":
			out.Text = line.Text
			if line.Language != "" {
				out.Language = line.Language
			}
			done = true
		case "error":
			return nil, fmt.Errorf("%w: %s", domain.ErrBackendFailure, line.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read stream: %v", domain.ErrBackendFailure, err)
	}
	if !done {
		return nil, fmt.Errorf("%w: stream ended without completion record", domain.ErrBackendFailure)
	}
	return out, nil
}

func (l whisperLine) segment() domain.Segment {
	conf := 1.0
	if l.AvgLogprob != nil {
		conf = math.Exp(*l.AvgLogprob)
	}
	return domain.Segment{Start: l.Start, End: l.End, Text: l.Text, Confidence: conf}
}
