// Package scheduler owns the job table and admits queued jobs onto devices
// while keeping at most MaxConcurrent jobs active.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/pkg/logger"
)

const noDeviceWarning = "no accelerator available at admission; running on CPU"

// Runner executes one admitted job and returns its outcome.
type Runner interface {
	Transcribe(ctx context.Context, a domain.Assignment, r domain.ProgressReporter) (*domain.Result, error)
}

type SnapshotSource interface {
	Latest() *domain.SystemSnapshot
}

// Publisher must not block and must not call back into the scheduler.
type Publisher interface {
	Publish(topic string, ev domain.Event)
}

// Recorder persists lifecycle changes. Calls must not block.
type Recorder interface {
	Record(job domain.Job, action string)
}

type Config struct {
	MaxConcurrent  int
	Tick           time.Duration
	DrainTimeout   time.Duration
	RetainTerminal int
}

type execution struct {
	cancel context.CancelFunc
}

type Scheduler struct {
	cfg       Config
	runner    Runner
	snapshots SnapshotSource
	publisher Publisher
	recorder  Recorder
	ids       IDGenerator
	log       *logger.Logger
	now       func() time.Time

	mu        sync.Mutex
	jobs      map[int64]*domain.Job
	queue     jobQueue
	queued    map[int64]*queueItem
	active    map[int64]*execution
	terminal  []int64
	completed int
	failed    int
	cancelled int

	wake      chan struct{}
	execCtx   context.Context
	execStop  context.CancelFunc
	execWG    sync.WaitGroup
	lifecycle sync.Mutex
	loopStop  context.CancelFunc
	loopWG    sync.WaitGroup
}

type Option func(*Scheduler)

func WithRecorder(r Recorder) Option { return func(s *Scheduler) { s.recorder = r } }
func WithIDGenerator(g IDGenerator) Option { return func(s *Scheduler) { s.ids = g } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithPublisher(p Publisher) Option { return func(s *Scheduler) { s.publisher = p } }

func New(cfg Config, runner Runner, snapshots SnapshotSource, log *logger.Logger, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = 1000
	}

	execCtx, execStop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		runner:    runner,
		snapshots: snapshots,
		ids:       NewMemoryIDGenerator(0),
		log:       log.Component("scheduler"),
		now:       time.Now,
		jobs:      make(map[int64]*domain.Job),
		queued:    make(map[int64]*queueItem),
		active:    make(map[int64]*execution),
		wake:      make(chan struct{}, 1),
		execCtx:   execCtx,
		execStop:  execStop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob enqueues a job and returns its id without waiting for admission.
func (s *Scheduler) AddJob(ctx context.Context, input domain.InputDescriptor, priority int) (int64, error) {
	id, err := s.ids.NextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate job id: %w", err)
	}

	s.mu.Lock()
	job := domain.NewJob(id, input, priority, s.now())
	s.jobs[id] = job
	item := &queueItem{jobID: id, priority: priority, submittedAt: job.SubmittedAt}
	heap.Push(&s.queue, item)
	s.queued[id] = item
	snapshot := job.Clone()
	s.updateGaugesLocked()
	s.mu.Unlock()

	observability.JobsSubmitted.Inc()
	s.record(snapshot, domain.ActionJobSubmitted)
	s.log.Info(ctx, "job queued", map[string]interface{}{
		"job_id":   id,
		"model":    input.Model,
		"language": input.Language,
		"priority": priority,
	})
	s.nudge()
	return id, nil
}

// Start launches the admission loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.loopStop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopStop = cancel
	s.loopWG.Add(1)
	go s.loop(loopCtx)

	s.log.Info(ctx, "admission scheduler started", map[string]interface{}{
		"max_concurrent": s.cfg.MaxConcurrent,
		"tick":           s.cfg.Tick.String(),
	})
}

// Stop halts admission, cancels active jobs and waits up to DrainTimeout for
// them to return.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	cancel := s.loopStop
	s.loopStop = nil
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loopWG.Wait()

	s.execStop()
	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn(context.Background(), "active jobs did not finish before drain timeout", map[string]interface{}{
			"drain_timeout": s.cfg.DrainTimeout.String(),
		})
	}
	s.log.Info(context.Background(), "admission scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.admit()
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) admit() {
	var snap *domain.SystemSnapshot
	if s.snapshots != nil {
		snap = s.snapshots.Latest()
	}

	type start struct {
		ctx        context.Context
		assignment domain.Assignment
	}
	var starts []start

	s.mu.Lock()
	for len(s.active) < s.cfg.MaxConcurrent && s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queueItem)
		delete(s.queued, item.jobID)
		job := s.jobs[item.jobID]

		now := s.now()
		assignment := domain.Assignment{}
		deviceID := snap.BestDevice()
		job.DeviceID = &deviceID
		if dev, ok := snap.Device(deviceID); ok {
			assignment.Device = &dev
			assignment.Features = snap.Features
		} else {
			job.Warnings = append(job.Warnings, noDeviceWarning)
			s.log.Warn(context.Background(), "admitting job without accelerator", map[string]interface{}{
				"job_id": job.ID,
			})
		}

		job.Status = domain.JobStatusAdmitted
		job.Stage = "admitted"
		job.AdmittedAt = &now

		ctx, cancel := context.WithCancel(s.execCtx)
		s.active[job.ID] = &execution{cancel: cancel}
		assignment.Job = job.Clone()
		starts = append(starts, start{ctx: ctx, assignment: assignment})
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, st := range starts {
		s.record(st.assignment.Job, domain.ActionJobAdmitted)
		s.execWG.Add(1)
		go s.execute(st.ctx, st.assignment)
	}
}

func (s *Scheduler) execute(ctx context.Context, a domain.Assignment) {
	defer s.execWG.Done()

	var (
		result *domain.Result
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", domain.ErrBackendFailure, r)
			}
		}()
		result, err = s.runner.Transcribe(ctx, a, &jobReporter{s: s, jobID: a.Job.ID})
	}()
	s.finish(a.Job.ID, result, err)
}

// finish applies the pipeline's outcome. Output for a job that is no longer
// active (cancelled meanwhile) is discarded.
func (s *Scheduler) finish(id int64, result *domain.Result, runErr error) {
	s.mu.Lock()
	exec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		s.log.Debug(context.Background(), "discarding output of inactive job", map[string]interface{}{"job_id": id})
		return
	}
	delete(s.active, id)
	exec.cancel()

	job := s.jobs[id]
	now := s.now()
	job.FinishedAt = &now

	// A job still active here was not cancelled by a user, so an interrupted
	// run means the scheduler is stopping.
	if runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, domain.ErrJobCancelled)) {
		runErr = fmt.Errorf("%w: %v", domain.ErrShutdown, runErr)
	}

	var action string
	switch {
	case runErr == nil:
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.Stage = "completed"
		if result != nil {
			job.Result = result
			job.ArtifactDir = result.ArtifactDir
		}
		s.completed++
		action = domain.ActionJobCompleted
		summary := map[string]interface{}{}
		if result != nil {
			summary = result.Summary()
		}
		s.publish(domain.JobTopic(id), domain.NewEvent(domain.EventJobCompleted, map[string]interface{}{
			"job_id":         id,
			"result_summary": summary,
		}))
	default:
		job.Status = domain.JobStatusFailed
		job.Stage = "failed"
		msg := runErr.Error()
		job.Error = &msg
		s.failed++
		action = domain.ActionJobFailed
		s.publish(domain.JobTopic(id), domain.NewEvent(domain.EventJobFailed, map[string]interface{}{
			"job_id": id,
			"error":  msg,
		}))
	}
	s.retireLocked(id)
	snapshot := job.Clone()
	s.updateGaugesLocked()
	s.mu.Unlock()

	observability.JobsFinished.WithLabelValues(string(snapshot.Status)).Inc()
	if snapshot.AdmittedAt != nil {
		observability.JobDuration.WithLabelValues(snapshot.Input.Model, string(snapshot.Status)).
			Observe(now.Sub(*snapshot.AdmittedAt).Seconds())
	}
	s.record(snapshot, action)

	fields := map[string]interface{}{"job_id": id, "status": snapshot.Status}
	if runErr != nil && snapshot.Status == domain.JobStatusFailed {
		s.log.Error(context.Background(), "job failed", runErr, fields)
	} else {
		s.log.Info(context.Background(), "job finished", fields)
	}
	s.nudge()
}

// CancelJob cancels a queued or active job. It returns false when the job is
// unknown or already terminal.
func (s *Scheduler) CancelJob(id int64) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}

	wasActive := false
	if item, queued := s.queued[id]; queued {
		heap.Remove(&s.queue, item.index)
		delete(s.queued, id)
	} else if exec, running := s.active[id]; running {
		delete(s.active, id)
		exec.cancel()
		wasActive = true
	}

	now := s.now()
	job.Status = domain.JobStatusCancelled
	job.Stage = "cancelled"
	job.FinishedAt = &now
	msg := "cancelled by request"
	job.Error = &msg
	s.cancelled++
	s.publish(domain.JobTopic(id), domain.NewEvent(domain.EventJobCancelled, map[string]interface{}{"job_id": id}))
	s.retireLocked(id)
	snapshot := job.Clone()
	s.updateGaugesLocked()
	s.mu.Unlock()

	observability.JobsFinished.WithLabelValues(string(domain.JobStatusCancelled)).Inc()
	s.record(snapshot, domain.ActionJobCancelled)
	s.log.Info(context.Background(), "job cancelled", map[string]interface{}{
		"job_id":     id,
		"was_active": wasActive,
	})
	if wasActive {
		s.nudge()
	}
	return true
}

// Job returns a copy of the job's current state.
func (s *Scheduler) Job(id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %d: %w", id, domain.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// Jobs lists jobs held in memory, newest first, optionally filtered by status.
func (s *Scheduler) Jobs(status domain.JobStatus, limit int) []domain.Job {
	s.mu.Lock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Scheduler) QueueStatus() domain.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.QueueStatus{
		QueueLength:    s.queue.Len(),
		ActiveCount:    len(s.active),
		CompletedCount: s.completed,
		FailedCount:    s.failed,
		CancelledCount: s.cancelled,
		MaxConcurrent:  s.cfg.MaxConcurrent,
	}
}

// QueueView matches monitor.QueueReporter.
func (s *Scheduler) QueueView() (queueDepth, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len(), len(s.active)
}

// retireLocked evicts the oldest terminal jobs from memory once more than
// RetainTerminal are held. Evicted jobs remain available from the recorder.
func (s *Scheduler) retireLocked(id int64) {
	s.terminal = append(s.terminal, id)
	for len(s.terminal) > s.cfg.RetainTerminal {
		delete(s.jobs, s.terminal[0])
		s.terminal = s.terminal[1:]
	}
}

func (s *Scheduler) updateGaugesLocked() {
	observability.QueueLength.Set(float64(s.queue.Len()))
	observability.ActiveJobs.Set(float64(len(s.active)))
}

func (s *Scheduler) publish(topic string, ev domain.Event) {
	if s.publisher != nil {
		s.publisher.Publish(topic, ev)
	}
}

func (s *Scheduler) record(job domain.Job, action string) {
	if s.recorder != nil {
		s.recorder.Record(job, action)
	}
}

// jobReporter applies pipeline signals to one job while it is still active.
type jobReporter struct {
	s     *Scheduler
	jobID int64
}

func (r *jobReporter) activeJobLocked() *domain.Job {
	if _, ok := r.s.active[r.jobID]; !ok {
		return nil
	}
	return r.s.jobs[r.jobID]
}

func (r *jobReporter) MarkRunning() {
	r.s.mu.Lock()
	job := r.activeJobLocked()
	if job == nil || job.Status != domain.JobStatusAdmitted {
		r.s.mu.Unlock()
		return
	}
	now := r.s.now()
	job.Status = domain.JobStatusRunning
	job.Stage = "transcribing"
	job.StartedAt = &now
	data := map[string]interface{}{
		"job_id":   job.ID,
		"model":    job.Input.Model,
		"language": job.Input.Language,
	}
	if job.DeviceID != nil {
		data["device_id"] = *job.DeviceID
	}
	r.s.publish(domain.JobTopic(job.ID), domain.NewEvent(domain.EventJobStarted, data))
	snapshot := job.Clone()
	r.s.mu.Unlock()

	r.s.record(snapshot, domain.ActionJobStarted)
}

func (r *jobReporter) Progress(percent float64, stage string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job := r.activeJobLocked()
	if job == nil {
		return
	}
	percent = min(percent, 100)
	if percent > job.Progress {
		job.Progress = percent
	}
	if stage != "" {
		job.Stage = stage
	}

	data := map[string]interface{}{
		"job_id":  job.ID,
		"percent": job.Progress,
		"stage":   job.Stage,
	}
	if job.DeviceID != nil && r.s.snapshots != nil {
		if dev, ok := r.s.snapshots.Latest().Device(*job.DeviceID); ok {
			data["device_utilization"] = dev.UtilizationPercent
		}
	}
	r.s.publish(domain.JobTopic(job.ID), domain.NewEvent(domain.EventProgressUpdate, data))
}

func (r *jobReporter) SegmentAdded(seg domain.Segment) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job := r.activeJobLocked()
	if job == nil {
		return
	}
	r.s.publish(domain.JobTopic(job.ID), domain.NewEvent(domain.EventSegmentAdded, map[string]interface{}{
		"job_id":  job.ID,
		"segment": seg,
	}))
}

func (r *jobReporter) MarkPostProcessing() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job := r.activeJobLocked()
	if job == nil || job.Status != domain.JobStatusRunning {
		return
	}
	job.Status = domain.JobStatusPostProcessing
	job.Stage = "post_processing"
}
