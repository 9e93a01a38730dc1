// Package pipeline runs one admitted job end to end: compatibility check,
// decode, inference, normalization, post-processing and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/orchids/transcription-service/internal/backend"
	"github.com/orchids/transcription-service/internal/catalog"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/export"
	"github.com/orchids/transcription-service/internal/media"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/internal/postprocess"
	"github.com/orchids/transcription-service/pkg/logger"
)

const (
	progressDecode      = 5
	progressBackend     = 10
	progressBackendSpan = 70
	progressPostProcess = 90
	progressExport      = 95
	progressDone        = 100
)

// Archiver hands finished artifacts to background storage.
type Archiver interface {
	EnqueueArchive(ctx context.Context, jobID int64, artifactDir string) error
	EnqueueCleanup(ctx context.Context, jobID int64, paths []string) error
}

type Config struct {
	OutputPath string
	TempPath   string
}

type Option func(*Pipeline)

func WithPostProcessor(p postprocess.Processor) Option { return func(pl *Pipeline) { pl.post = p } }
func WithArchiver(a Archiver) Option { return func(pl *Pipeline) { pl.archiver = a } }

type Pipeline struct {
	cfg      Config
	catalog  *catalog.Catalog
	backends *backend.Registry
	decoder  media.Decoder
	post     postprocess.Processor
	archiver Archiver
	log      *logger.Logger
}

func New(cfg Config, cat *catalog.Catalog, backends *backend.Registry, decoder media.Decoder, log *logger.Logger, opts ...Option) *Pipeline {
	if cfg.OutputPath == "" {
		cfg.OutputPath = "./outputs"
	}
	if cfg.TempPath == "" {
		cfg.TempPath = os.TempDir()
	}
	p := &Pipeline{
		cfg:      cfg,
		catalog:  cat,
		backends: backends,
		decoder:  decoder,
		log:      log.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transcribe runs the job described by a. It returns context.Canceled when
// the job was cancelled and a domain error otherwise.
func (p *Pipeline) Transcribe(ctx context.Context, a domain.Assignment, rep domain.ProgressReporter) (*domain.Result, error) {
	job := a.Job
	started := time.Now()

	ctx, span := observability.StartSpan(ctx, "pipeline.transcribe",
		attribute.Int64("job.id", job.ID),
		attribute.String("job.model", job.Input.Model),
		attribute.String("job.language", job.Input.Language),
	)
	defer span.End()

	result, err := p.run(ctx, a, rep, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, a domain.Assignment, rep domain.ProgressReporter, started time.Time) (*domain.Result, error) {
	job := a.Job
	in := job.Input

	spec, err := p.catalog.Lookup(in.Model)
	if err != nil {
		return nil, err
	}
	if !spec.SupportsLanguage(in.Language) {
		return nil, fmt.Errorf("%w: %s does not support %q", domain.ErrUnsupportedLanguage, spec.Name, in.Language)
	}
	if err := catalog.CheckCompatibility(spec, a.Device); err != nil {
		return nil, err
	}
	be, err := p.backends.For(spec.Family)
	if err != nil {
		return nil, err
	}
	settings := p.settingsFor(spec, a)

	rep.MarkRunning()
	rep.Progress(progressDecode, "decoding")

	if err := os.MkdirAll(p.cfg.TempPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", domain.ErrMediaDecode, err)
	}
	audioPath := filepath.Join(p.cfg.TempPath, fmt.Sprintf("job-%d.wav", job.ID))
	defer os.Remove(audioPath)

	audio, err := p.decoder.Decode(ctx, in.MediaPath, audioPath, settings.UseGPU)
	if err != nil {
		return nil, err
	}

	rep.Progress(progressBackend, "transcribing")
	raw, err := p.infer(ctx, be, backend.Media{
		AudioPath: audio.Path,
		Duration:  audio.Duration,
		Language:  in.Language,
		Model:     spec.Name,
		Settings:  settings,
	}, rep)
	if err != nil {
		return nil, err
	}

	segments, report := Normalize(raw.Segments)
	if report.OutOfOrder > 0 || report.Overlaps > 0 || report.Dropped > 0 {
		p.log.Warn(ctx, "irregular backend segments", map[string]interface{}{
			"job_id":       job.ID,
			"out_of_order": report.OutOfOrder,
			"overlaps":     report.Overlaps,
			"dropped":      report.Dropped,
		})
	}

	language := in.Language
	if raw.Language != "" {
		language = raw.Language
	}
	fullText := raw.Text
	if fullText == "" {
		fullText = joinText(segments, language)
	}

	result := &domain.Result{
		Segments: segments,
		FullText: fullText,
		Language: language,
		Stats: domain.ProcessingStats{
			MediaSeconds:           audio.Duration,
			DeviceID:               settings.DeviceID,
			AcceleratedRuntimeUsed: settings.UseAcceleratedRuntime,
			Precision:              settings.Precision,
			BatchSize:              settings.BatchSize,
			ModelUsed:              spec.Name,
			Backend:                be.Name(),
		},
	}

	if p.post != nil && p.post.Language() == in.Language {
		rep.MarkPostProcessing()
		rep.Progress(progressPostProcess, "post_processing")
		result.Stats.PostProcessed = p.postProcess(ctx, job.ID, result)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep.Progress(progressExport, "exporting")
	dir := export.JobDir(p.cfg.OutputPath, job.ID)
	if _, err := export.WriteAll(dir, result); err != nil {
		return nil, fmt.Errorf("export artifacts: %w", err)
	}
	result.ArtifactDir = dir
	result.Stats.ElapsedSeconds = time.Since(started).Seconds()

	if p.archiver != nil {
		if err := p.archiver.EnqueueArchive(ctx, job.ID, dir); err != nil {
			p.log.Error(ctx, "failed to enqueue archive", err, map[string]interface{}{"job_id": job.ID})
		}
		if err := p.archiver.EnqueueCleanup(ctx, job.ID, []string{in.MediaPath}); err != nil {
			p.log.Error(ctx, "failed to enqueue cleanup", err, map[string]interface{}{"job_id": job.ID})
		}
	}

	rep.Progress(progressDone, "completed")
	p.log.Info(ctx, "transcription finished", map[string]interface{}{
		"job_id":          job.ID,
		"model":           spec.Name,
		"segments":        len(segments),
		"media_seconds":   audio.Duration,
		"elapsed_seconds": result.Stats.ElapsedSeconds,
		"device_id":       settings.DeviceID,
	})
	return result, nil
}

// settingsFor derives inference settings from the assigned device and then
// applies the job's own acceleration opt-ins.
func (p *Pipeline) settingsFor(spec domain.ModelSpec, a domain.Assignment) domain.Settings {
	settings := domain.CPUSettings()
	if a.Device != nil {
		settings = domain.DeriveSettings(*a.Device, a.Features)
	}
	flags := a.Job.Input.Acceleration
	if !flags.UseAcceleratedRuntime || !spec.AcceleratedRuntimeSupported {
		settings.UseAcceleratedRuntime = false
	}
	if !flags.GPUOptimization {
		settings.Precision = domain.PrecisionFP32
		settings.BatchSize = 1
	}
	return settings
}

func (p *Pipeline) infer(ctx context.Context, be backend.Backend, m backend.Media, rep domain.ProgressReporter) (*backend.RawResult, error) {
	ctx, span := observability.StartSpan(ctx, "backend.transcribe",
		attribute.String("backend", be.Name()),
		attribute.Float64("media.seconds", m.Duration),
	)
	defer span.End()

	segments := observability.BackendSegments.WithLabelValues(be.Name())
	raw, err := be.Transcribe(ctx, m, func(seg domain.Segment) {
		segments.Inc()
		seg = sanitize(seg)
		if m.Duration > 0 {
			rep.Progress(progressBackend+progressBackendSpan*min(seg.End/m.Duration, 1), "transcribing")
		}
		if seg.Text == "" {
			return
		}
		rep.SegmentAdded(seg)
	})
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, domain.ErrBackendFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendFailure, err)
	}
	return raw, nil
}

// postProcess rewrites segment and full text in place. It reports false and
// leaves the result untouched if the processor is unavailable or fails.
func (p *Pipeline) postProcess(ctx context.Context, jobID int64, result *domain.Result) bool {
	degrade := func(err error) bool {
		p.log.Warn(ctx, "post-processing skipped", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return false
	}

	if !p.post.Available(ctx) {
		return degrade(domain.ErrPostProcessingUnavailable)
	}

	texts := make([]string, len(result.Segments))
	for i, seg := range result.Segments {
		t, err := p.post.Process(ctx, seg.Text)
		if err != nil {
			return degrade(err)
		}
		texts[i] = t
	}
	full, err := p.post.Process(ctx, result.FullText)
	if err != nil {
		return degrade(err)
	}

	for i := range result.Segments {
		result.Segments[i].Text = texts[i]
	}
	result.FullText = full
	return true
}
