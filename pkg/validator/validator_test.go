package validator

import (
	"errors"
	"testing"
)

func TestIsMediaFile(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{name: "wav", buf: []byte("RIFF\x24\x00\x00\x00WAVEfmt "), want: true},
		{name: "mp4", buf: []byte("\x00\x00\x00\x18ftypmp42"), want: true},
		{name: "flac", buf: []byte("fLaC\x00\x00\x00\x22"), want: true},
		{name: "id3 mp3", buf: []byte("ID3\x04\x00\x00\x00\x00"), want: true},
		{name: "text", buf: []byte("hello world"), want: false},
		{name: "short", buf: []byte("RIFF"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMediaFile(tt.buf); got != tt.want {
				t.Errorf("IsMediaFile() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 1},
		{raw: "0", want: 0},
		{raw: "10", want: 10},
		{raw: "11", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "high", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.raw, 1)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPriority) {
				t.Errorf("ParsePriority(%q) error = %v, want ErrInvalidPriority", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePriority(%q) = %d, %v; want %d", tt.raw, got, err, tt.want)
		}
	}
}

func TestValidateLanguage(t *testing.T) {
	for _, ok := range []string{"zh", "en", "zh-tw"} {
		if err := ValidateLanguage(ok); err != nil {
			t.Errorf("ValidateLanguage(%q) error = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "z", "ZH", "en_US", "zh;drop"} {
		if err := ValidateLanguage(bad); err == nil {
			t.Errorf("ValidateLanguage(%q) expected error", bad)
		}
	}
}

func TestParseJobID(t *testing.T) {
	if id, err := ParseJobID("42"); err != nil || id != 42 {
		t.Fatalf("ParseJobID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-3", "abc", ""} {
		if _, err := ParseJobID(bad); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("ParseJobID(%q) error = %v", bad, err)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename("../../etc/passwd"); got != "passwd" {
		t.Errorf("SanitizeFilename = %q", got)
	}
	if got := SanitizeFilename("  talk.wav "); got != "talk.wav" {
		t.Errorf("SanitizeFilename = %q", got)
	}
}
