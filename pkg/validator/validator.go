package validator

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrFileTooLarge      = fmt.Errorf("file size exceeds maximum allowed size")
	ErrInvalidFormat     = fmt.Errorf("invalid file format")
	ErrInvalidLanguage   = fmt.Errorf("invalid language code")
	ErrInvalidPriority   = fmt.Errorf("invalid priority")
	ErrInvalidJobID      = fmt.Errorf("invalid job ID")
	ErrInvalidPagination = fmt.Errorf("invalid pagination parameters")
)

const (
	MinPriority = 0
	MaxPriority = 10
)

// mediaSignatures maps container magic bytes to a short label. ISO-BMFF files
// (mp4, m4a, mov) are matched on the "ftyp" box at offset 4 separately.
var mediaSignatures = map[string][]byte{
	"wav/avi": {0x52, 0x49, 0x46, 0x46}, // RIFF
	"mkv":     {0x1A, 0x45, 0xDF, 0xA3}, // EBML
	"flac":    {0x66, 0x4C, 0x61, 0x43}, // fLaC
	"ogg":     {0x4F, 0x67, 0x67, 0x53}, // OggS
	"mp3-id3": {0x49, 0x44, 0x33},       // ID3
	"mp3":     {0xFF, 0xFB},
}

// ValidateMediaFile checks size, extension and leading bytes of an upload.
// The reader is rewound before returning.
func ValidateMediaFile(file multipart.File, header *multipart.FileHeader, maxSize int64, allowedExtensions []string) error {
	if header.Size > maxSize {
		return fmt.Errorf("%w: file is %d bytes, maximum is %d bytes", ErrFileTooLarge, header.Size, maxSize)
	}

	if header.Size < 44 {
		return fmt.Errorf("%w: file is too small to contain audio", ErrInvalidFormat)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !contains(allowedExtensions, ext) {
		return fmt.Errorf("%w: extension %q is not allowed", ErrInvalidFormat, ext)
	}

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read file header: %w", err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to reset file pointer: %w", err)
	}

	if !IsMediaFile(buf[:n]) {
		return fmt.Errorf("%w: file content does not match a known media container", ErrInvalidFormat)
	}

	return nil
}

func IsMediaFile(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	if bytes.Equal(buf[4:8], []byte("ftyp")) {
		return true
	}
	for _, magic := range mediaSignatures {
		if bytes.HasPrefix(buf, magic) {
			return true
		}
	}
	return false
}

// ValidateLanguage accepts short ISO-639 style codes such as "zh", "en" or "zh-tw".
func ValidateLanguage(lang string) error {
	lang = strings.TrimSpace(lang)
	if len(lang) < 2 || len(lang) > 8 {
		return fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
	}
	for _, r := range lang {
		if (r < 'a' || r > 'z') && r != '-' {
			return fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
		}
	}
	return nil
}

// ParsePriority parses an optional priority; lower values are admitted first.
func ParsePriority(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < MinPriority || p > MaxPriority {
		return 0, fmt.Errorf("%w: must be an integer between %d and %d", ErrInvalidPriority, MinPriority, MaxPriority)
	}
	return p, nil
}

func ParseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidJobID, raw)
	}
	return id, nil
}

func ParseBool(raw string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return b
}

func ValidateListParams(limit, offset int) error {
	if offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0", ErrInvalidPagination)
	}
	if limit < 1 || limit > 200 {
		return fmt.Errorf("%w: limit must be between 1 and 200", ErrInvalidPagination)
	}
	return nil
}

func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
