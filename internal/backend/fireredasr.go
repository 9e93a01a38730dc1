package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
)

const defaultFireRedASRURL = "http://localhost:8388"

// FireRedASR is a client for the FireRedASR AED sidecar, which returns
// utterance timings in milliseconds.
type FireRedASR struct {
	sidecar
}

func NewFireRedASR(url string, timeout time.Duration) *FireRedASR {
	if url == "" {
		url = defaultFireRedASRURL
	}
	return &FireRedASR{sidecar: newSidecar(url, timeout)}
}

func (f *FireRedASR) Name() string { return string(domain.FamilyFireRedASR) }

func (f *FireRedASR) Available(ctx context.Context) bool {
	return f.healthy(ctx)
}

type fireRedResponse struct {
	Text string `json:"text"`
	Utts []struct {
		StartMS    int64    `json:"start_ms"`
		EndMS      int64    `json:"end_ms"`
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence,omitempty"`
	} `json:"utts"`
}

func (f *FireRedASR) Transcribe(ctx context.Context, media Media, emit func(domain.Segment)) (*RawResult, error) {
	resp, err := f.postAudio(ctx, "/transcribe", media)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	var body fireRedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: decode fireredasr response: %v", domain.ErrBackendFailure, err)
	}

	out := &RawResult{Text: body.Text, Language: "zh"}
	for _, u := range body.Utts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conf := 1.0
		if u.Confidence != nil {
			conf = *u.Confidence
		}
		seg := domain.Segment{
			Start:      float64(u.StartMS) / 1000,
			End:        float64(u.EndMS) / 1000,
			Text:       u.Text,
			Confidence: conf,
		}
		out.Segments = append(out.Segments, seg)
		emit(seg)
	}
	return out, nil
}
