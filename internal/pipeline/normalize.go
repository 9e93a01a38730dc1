package pipeline

import (
	"sort"
	"strings"

	"github.com/orchids/transcription-service/internal/domain"
)

// NormalizeReport counts irregularities found while normalizing.
type NormalizeReport struct {
	OutOfOrder int
	Overlaps   int
	Dropped    int
}

// Normalize sorts raw segments by start time and clamps them into canonical
// form. Irregular input is counted, never rejected.
func Normalize(raw []domain.Segment) ([]domain.Segment, NormalizeReport) {
	var rep NormalizeReport
	for i := 1; i < len(raw); i++ {
		if raw[i].Start < raw[i-1].Start {
			rep.OutOfOrder++
		}
	}

	out := make([]domain.Segment, 0, len(raw))
	for _, s := range raw {
		s = sanitize(s)
		if s.Text == "" {
			rep.Dropped++
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			rep.Overlaps++
		}
	}
	return out, rep
}

func sanitize(s domain.Segment) domain.Segment {
	s.Text = strings.TrimSpace(s.Text)
	s.Start = max(s.Start, 0)
	s.End = max(s.End, s.Start)
	s.Confidence = min(max(s.Confidence, 0), 1)
	return s
}

// joinText builds the full transcript from segments when the backend did not
// return one. Chinese and Japanese text is concatenated without spaces.
func joinText(segs []domain.Segment, language string) string {
	sep := " "
	if language == "zh" || language == "ja" {
		sep = ""
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, sep)
}
