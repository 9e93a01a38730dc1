// Package media turns uploaded audio/video into the 16kHz mono WAV the
// inference sidecars expect.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/pkg/logger"
)

type Config struct {
	FFmpegPath    string
	DecodeTimeout time.Duration
	SampleRate    int
	GracePeriod   time.Duration
}

// Audio describes a decoded file.
type Audio struct {
	Path       string
	Duration   float64
	SampleRate int
	HWAccel    bool
}

type Decoder interface {
	Decode(ctx context.Context, input, output string, hwaccel bool) (*Audio, error)
}

type FFmpeg struct {
	cfg Config
	log *logger.Logger

	binary     string
	binaryOnce sync.Once
}

func NewFFmpeg(cfg Config, log *logger.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.DecodeTimeout <= 0 {
		cfg.DecodeTimeout = 10 * time.Minute
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	return &FFmpeg{cfg: cfg, log: log.Component("media")}
}

// Decode extracts mono PCM audio from input into output. With hwaccel set a
// CUDA-assisted decode is tried first and a plain decode is used if it fails.
func (f *FFmpeg) Decode(ctx context.Context, input, output string, hwaccel bool) (*Audio, error) {
	f.ensureBinary()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.DecodeTimeout)
	defer cancel()

	used := false
	if hwaccel {
		err := f.run(ctx, f.args(input, output, true))
		if err == nil {
			used = true
		} else {
			if ctx.Err() != nil {
				return nil, f.contextErr(ctx)
			}
			f.log.Warn(ctx, "accelerated decode failed, retrying on CPU", map[string]interface{}{
				"input": input,
				"error": err.Error(),
			})
		}
	}
	if !used {
		if err := f.run(ctx, f.args(input, output, false)); err != nil {
			if ctx.Err() != nil {
				return nil, f.contextErr(ctx)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaDecode, err)
		}
	}

	duration, err := WAVDuration(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaDecode, err)
	}

	f.log.Info(ctx, "decoded media", map[string]interface{}{
		"input":    input,
		"duration": duration,
		"hwaccel":  used,
	})
	return &Audio{Path: output, Duration: duration, SampleRate: f.cfg.SampleRate, HWAccel: used}, nil
}

func (f *FFmpeg) contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout after %s", domain.ErrMediaDecode, f.cfg.DecodeTimeout)
	}
	return ctx.Err()
}

func (f *FFmpeg) args(input, output string, hwaccel bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if hwaccel {
		args = append(args, "-hwaccel", "cuda")
	}
	return append(args,
		"-i", input,
		"-vn",
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		output,
	)
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	killProcessGroup(cmd)
	cmd.WaitDelay = f.cfg.GracePeriod

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func (f *FFmpeg) ensureBinary() {
	f.binaryOnce.Do(func() {
		path, err := exec.LookPath(f.cfg.FFmpegPath)
		if err != nil {
			f.binary = f.cfg.FFmpegPath
		} else {
			f.binary = path
		}
	})
}

// WAVDuration reads the duration in seconds from a WAV header.
func WAVDuration(path string) (float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d.Seconds(), nil
}
