package export

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/orchids/transcription-service/internal/domain"
)

func knownResult() *domain.Result {
	return &domain.Result{
		Segments: []domain.Segment{
			{Start: 0.0, End: 5.2, Text: "A", Confidence: 1},
			{Start: 5.2, End: 12.8, Text: "B", Confidence: 1},
		},
		FullText: "AB",
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		sep     byte
		want    string
	}{
		{0, ',', "00:00:00,000"},
		{5.2, ',', "00:00:05,200"},
		{12.8, '.', "00:00:12.800"},
		{3661.001, '.', "01:01:01.001"},
		{59.9996, ',', "00:01:00,000"},
		{90000, ',', "25:00:00,000"},
		{-1, ',', "00:00:00,000"},
	}
	for _, tt := range tests {
		if got := Timestamp(tt.seconds, tt.sep); got != tt.want {
			t.Errorf("Timestamp(%v) = %s, want %s", tt.seconds, got, tt.want)
		}
	}
}

func TestRenderings(t *testing.T) {
	r := knownResult()

	wantSRT := "1\n00:00:00,000 --> 00:00:05,200\nA\n\n2\n00:00:05,200 --> 00:00:12,800\nB\n\n"
	if got := SRT(r); got != wantSRT {
		t.Errorf("SRT() = %q", got)
	}
	wantVTT := "WEBVTT\n\n00:00:00.000 --> 00:00:05.200\nA\n\n00:00:05.200 --> 00:00:12.800\nB\n\n"
	if got := VTT(r); got != wantVTT {
		t.Errorf("VTT() = %q", got)
	}
	if got := Text(r); got != "AB\n" {
		t.Errorf("Text() = %q", got)
	}
}

func TestTimedFormatsRoundTrip(t *testing.T) {
	r := knownResult()

	fromSRT, err := ParseSRT(SRT(r))
	if err != nil {
		t.Fatalf("ParseSRT() error = %v", err)
	}
	fromVTT, err := ParseVTT(VTT(r))
	if err != nil {
		t.Fatalf("ParseVTT() error = %v", err)
	}
	if !reflect.DeepEqual(fromSRT, r.Segments) {
		t.Errorf("SRT round trip = %+v", fromSRT)
	}
	if !reflect.DeepEqual(fromSRT, fromVTT) {
		t.Errorf("SRT and VTT disagree: %+v vs %+v", fromSRT, fromVTT)
	}
}

func TestRoundTripMultilineAndLongMedia(t *testing.T) {
	r := &domain.Result{Segments: []domain.Segment{
		{Start: 86399.5, End: 86401.25, Text: "第一行\n\n第二行", Confidence: 1},
	}}
	segs, err := ParseVTT(VTT(r))
	if err != nil {
		t.Fatalf("ParseVTT() error = %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "第一行\n第二行" || segs[0].End != 86401.25 {
		t.Errorf("segments = %+v", segs)
	}
	if !strings.Contains(SRT(r), "24:00:01,250") {
		t.Errorf("hours wrapped: %s", SRT(r))
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := ParseVTT("1\n00:00:00.000 --> 00:00:01.000\nx\n"); err == nil {
		t.Error("ParseVTT() accepted input without header")
	}
	if _, err := ParseSRT("1\n00:00:00.000 --> 00:00:01,000\nx\n"); err == nil {
		t.Error("ParseSRT() accepted dot separator")
	}
	if _, err := ParseSRT("1\n00:00,000 --> 00:00:01,000\nx\n"); err == nil {
		t.Error("ParseSRT() accepted two-part clock")
	}
}

func TestWriteAll(t *testing.T) {
	root := t.TempDir()
	dir := JobDir(root, 42)
	if filepath.Base(dir) != "job-42" {
		t.Fatalf("JobDir() = %s", dir)
	}

	paths, err := WriteAll(dir, knownResult())
	if err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	for f, name := range Filenames {
		if paths[f] != filepath.Join(dir, name) {
			t.Errorf("path for %s = %s", f, paths[f])
		}
		data, err := os.ReadFile(paths[f])
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != Render(f, knownResult()) {
			t.Errorf("%s content mismatch", name)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat("SRT"); !ok || f != FormatSRT || f.ContentType() == "" {
		t.Errorf("ParseFormat(SRT) = %s, %v", f, ok)
	}
	if _, ok := ParseFormat("docx"); ok {
		t.Error("ParseFormat(docx) ok")
	}
}
