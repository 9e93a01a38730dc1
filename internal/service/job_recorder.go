package service

import (
	"context"
	"sync"
	"time"

	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/internal/repository"
	"github.com/orchids/transcription-service/pkg/logger"
)

type jobRecord struct {
	job    domain.Job
	action string
}

// JobRecorder persists job snapshots and lifecycle events off the caller's
// goroutine. Record never blocks; records are dropped when the buffer is full.
type JobRecorder struct {
	jobs    repository.JobRepository
	events  repository.JobEventRepository
	log     *logger.Logger
	timeout time.Duration

	records chan jobRecord
	once    sync.Once
	wg      sync.WaitGroup
}

func NewJobRecorder(jobs repository.JobRepository, events repository.JobEventRepository, buffer int, log *logger.Logger) *JobRecorder {
	if buffer < 1 {
		buffer = 1
	}
	r := &JobRecorder{
		jobs:    jobs,
		events:  events,
		log:     log.Component("job_recorder"),
		timeout: 5 * time.Second,
		records: make(chan jobRecord, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *JobRecorder) Record(job domain.Job, action string) {
	select {
	case r.records <- jobRecord{job: job, action: action}:
	default:
		observability.RecordsDropped.Inc()
		r.log.Warn(context.Background(), "job record dropped", map[string]interface{}{
			"job_id": job.ID,
			"action": action,
		})
	}
}

// Close flushes buffered records and stops the writer. Record must not be
// called afterwards.
func (r *JobRecorder) Close() {
	r.once.Do(func() { close(r.records) })
	r.wg.Wait()
}

func (r *JobRecorder) run() {
	defer r.wg.Done()
	for rec := range r.records {
		r.write(rec)
	}
}

func (r *JobRecorder) write(rec jobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.jobs.Save(ctx, rec.job); err != nil {
		r.log.Error(ctx, "failed to persist job", err, map[string]interface{}{
			"job_id": rec.job.ID,
			"status": rec.job.Status,
		})
	}
	if r.events == nil {
		return
	}
	event := domain.NewJobEventRecord(rec.job.ID, rec.action, rec.job.Status, eventDetails(rec.job))
	if err := r.events.Create(ctx, event); err != nil {
		r.log.Error(ctx, "failed to record job event", err, map[string]interface{}{
			"job_id": rec.job.ID,
			"action": rec.action,
		})
	}
}

func eventDetails(job domain.Job) map[string]interface{} {
	details := map[string]interface{}{
		"progress": job.Progress,
		"stage":    job.Stage,
	}
	if job.DeviceID != nil {
		details["device_id"] = *job.DeviceID
	}
	if job.Error != nil {
		details["error"] = *job.Error
	}
	if len(job.Warnings) > 0 {
		details["warnings"] = job.Warnings
	}
	if job.Result != nil {
		details["summary"] = job.Result.Summary()
	}
	return details
}

// JobLookup reads jobs from the scheduler first and falls back to the store
// for jobs that have been evicted from memory or belong to a prior run.
type JobLookup struct {
	live  LiveJobs
	store repository.JobRepository
}

type LiveJobs interface {
	Job(id int64) (domain.Job, error)
}

func NewJobLookup(live LiveJobs, store repository.JobRepository) *JobLookup {
	return &JobLookup{live: live, store: store}
}

func (l *JobLookup) Get(ctx context.Context, id int64) (domain.Job, error) {
	job, err := l.live.Job(id)
	if err == nil || l.store == nil {
		return job, err
	}
	stored, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return *stored, nil
}
