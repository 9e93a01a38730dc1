// Package export renders transcription results as SRT, WebVTT and plain text
// and parses the timed formats back into segments.
package export

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/orchids/transcription-service/internal/domain"
)

type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
	FormatTXT Format = "txt"
)

// Filenames maps each format to its artifact name inside a job directory.
var Filenames = map[Format]string{
	FormatSRT: "subtitles.srt",
	FormatVTT: "subtitles.vtt",
	FormatTXT: "transcript.txt",
}

var contentTypes = map[Format]string{
	FormatSRT: "application/x-subrip; charset=utf-8",
	FormatVTT: "text/vtt; charset=utf-8",
	FormatTXT: "text/plain; charset=utf-8",
}

func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToLower(s))
	_, ok := Filenames[f]
	return f, ok
}

func (f Format) ContentType() string { return contentTypes[f] }

// FormatFor resolves an artifact filename back to its format.
func FormatFor(filename string) (Format, bool) {
	for f, name := range Filenames {
		if name == filename {
			return f, true
		}
	}
	return "", false
}

// JobDir is the deterministic artifact directory for a job.
func JobDir(root string, jobID int64) string {
	return filepath.Join(root, fmt.Sprintf("job-%d", jobID))
}

// Timestamp formats seconds as HH:MM:SS<sep>mmm. Hours are not wrapped.
func Timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

func SRT(r *domain.Result) string {
	var b strings.Builder
	for i, seg := range r.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, Timestamp(seg.Start, ','), Timestamp(seg.End, ','), cueText(seg.Text))
	}
	return b.String()
}

func VTT(r *domain.Result) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range r.Segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", Timestamp(seg.Start, '.'), Timestamp(seg.End, '.'), cueText(seg.Text))
	}
	return b.String()
}

func Text(r *domain.Result) string {
	text := strings.TrimSpace(r.FullText)
	if text == "" {
		return ""
	}
	return text + "\n"
}

func Render(f Format, r *domain.Result) string {
	switch f {
	case FormatSRT:
		return SRT(r)
	case FormatVTT:
		return VTT(r)
	default:
		return Text(r)
	}
}

// cueText keeps a cue on its own block; blank lines would end the cue early.
func cueText(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// WriteAll writes every format into dir and returns the written paths by format.
func WriteAll(dir string, r *domain.Result) (map[Format]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	paths := make(map[Format]string, len(Filenames))
	for f, name := range Filenames {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(Render(f, r)), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		paths[f] = path
	}
	return paths, nil
}

// ParseSRT reads numbered cues back into segments.
func ParseSRT(data string) ([]domain.Segment, error) {
	return parseCues(data, ',', false)
}

// ParseVTT reads WebVTT cues back into segments.
func ParseVTT(data string) ([]domain.Segment, error) {
	return parseCues(data, '.', true)
}

func parseCues(data string, sep byte, header bool) ([]domain.Segment, error) {
	sc := bufio.NewScanner(strings.NewReader(strings.ReplaceAll(data, "\r\n", "\n")))
	if header {
		if !sc.Scan() || !strings.HasPrefix(strings.TrimPrefix(sc.Text(), "\ufeff"), "WEBVTT") {
			return nil, fmt.Errorf("missing WEBVTT header")
		}
	}

	var (
		segs  []domain.Segment
		cur   *domain.Segment
		lines []string
	)
	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(lines, "\n")
			segs = append(segs, *cur)
		}
		cur, lines = nil, nil
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case cur == nil && strings.Contains(line, "-->"):
			start, end, err := parseTiming(line, sep)
			if err != nil {
				return nil, err
			}
			cur = &domain.Segment{Start: start, End: end, Confidence: 1}
		case cur == nil:
			// cue number or identifier
		default:
			lines = append(lines, line)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return segs, nil
}

func parseTiming(line string, sep byte) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	start, err := parseTimestamp(strings.TrimSpace(parts[0]), sep)
	if err != nil {
		return 0, 0, err
	}
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("missing end timestamp in %q", line)
	}
	end, err := parseTimestamp(endField[0], sep)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseTimestamp(s string, sep byte) (float64, error) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	ms, err := strconv.Atoi(s[i+1:])
	if err != nil || len(s[i+1:]) != 3 {
		return 0, fmt.Errorf("invalid milliseconds in %q", s)
	}
	clock := strings.Split(s[:i], ":")
	if len(clock) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var total int64
	for _, c := range clock {
		v, err := strconv.Atoi(c)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + int64(v)
	}
	return float64(total*1000+int64(ms)) / 1000, nil
}
