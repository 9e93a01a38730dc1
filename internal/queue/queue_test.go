package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"

	"github.com/orchids/transcription-service/pkg/logger"
)

func newTestClient(t *testing.T) (*QueueClient, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := NewQueueClient(asynq.RedisClientOpt{Addr: mini.Addr()}, time.Hour, logger.Nop())
	t.Cleanup(func() { client.Close() })
	return client, mini
}

func TestEnqueueArchiveIsIdempotentPerJob(t *testing.T) {
	client, mini := newTestClient(t)
	ctx := context.Background()

	if err := client.EnqueueArchive(ctx, 5, "/outputs/job-5"); err != nil {
		t.Fatalf("EnqueueArchive() error = %v", err)
	}
	if err := client.EnqueueArchive(ctx, 5, "/outputs/job-5"); err != nil {
		t.Fatalf("second EnqueueArchive() error = %v", err)
	}

	pending, err := mini.List("asynq:{default}:pending")
	if err != nil {
		t.Fatalf("pending list: %v", err)
	}
	if len(pending) != 1 || pending[0] != "archive-5" {
		t.Errorf("pending = %v, want [archive-5]", pending)
	}
}

func TestEnqueueCleanupIsScheduled(t *testing.T) {
	client, mini := newTestClient(t)
	ctx := context.Background()

	if err := client.EnqueueCleanup(ctx, 9, nil); err != nil {
		t.Fatalf("EnqueueCleanup(nil) error = %v", err)
	}
	if mini.Exists("asynq:{low}:scheduled") {
		t.Fatal("empty cleanup was enqueued")
	}

	if err := client.EnqueueCleanup(ctx, 9, []string{"/uploads/a.mp4"}); err != nil {
		t.Fatalf("EnqueueCleanup() error = %v", err)
	}
	scheduled, err := mini.ZMembers("asynq:{low}:scheduled")
	if err != nil {
		t.Fatalf("scheduled set: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0] != "cleanup-9" {
		t.Errorf("scheduled = %v, want [cleanup-9]", scheduled)
	}
}

type fakeUploader struct {
	dirs []string
	err  error
}

func (f *fakeUploader) UploadDir(ctx context.Context, dir string) ([]string, error) {
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return nil, f.err
	}
	return []string{filepath.Base(dir) + "/subtitles.srt"}, nil
}

func TestArchiveHandler(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job-3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	up := &fakeUploader{}
	h := NewArchiveHandler(up, logger.Nop())
	task, _ := NewArchiveTask(ArchivePayload{JobID: 3, ArtifactDir: dir})
	if err := h.ProcessTask(ctx, task); err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if len(up.dirs) != 1 || up.dirs[0] != dir {
		t.Errorf("uploaded dirs = %v", up.dirs)
	}

	missing, _ := NewArchiveTask(ArchivePayload{JobID: 4, ArtifactDir: filepath.Join(dir, "gone")})
	if err := h.ProcessTask(ctx, missing); !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("missing dir error = %v, want SkipRetry", err)
	}

	bad := asynq.NewTask(TypeTranscriptArchive, []byte("{"))
	if err := h.ProcessTask(ctx, bad); !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("bad payload error = %v, want SkipRetry", err)
	}

	failing := NewArchiveHandler(&fakeUploader{err: errors.New("s3 down")}, logger.Nop())
	if err := failing.ProcessTask(ctx, task); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("upload failure error = %v, want retryable error", err)
	}
}

func TestCleanupHandlerRemovesFiles(t *testing.T) {
	root := t.TempDir()
	media := filepath.Join(root, "a.mp4")
	if err := os.WriteFile(media, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewCleanupHandler(logger.Nop())
	task, _ := NewCleanupTask(CleanupPayload{JobID: 1, Paths: []string{media, filepath.Join(root, "already-gone"), ""}})
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if _, err := os.Stat(media); !os.IsNotExist(err) {
		t.Errorf("media still present: %v", err)
	}
}

func TestInspectorWorkers(t *testing.T) {
	mini := miniredis.RunT(t)
	inspector := NewInspector(asynq.RedisClientOpt{Addr: mini.Addr()})
	t.Cleanup(func() { inspector.Close() })

	workers, err := inspector.Workers()
	if err != nil {
		t.Fatalf("Workers() error = %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("Workers() = %+v, want none", workers)
	}

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	got := workerStats([]*asynq.ServerInfo{{
		ID:            "srv-1",
		Host:          "worker-a",
		PID:           42,
		Concurrency:   4,
		Queues:        Queues,
		Started:       started,
		ActiveWorkers: []*asynq.WorkerInfo{{TaskID: "archive-1"}, {TaskID: "cleanup-2"}},
	}})
	if len(got) != 1 || got[0].ServerID != "srv-1" || got[0].ActiveTasks != 2 || got[0].Queues[QueueLow] != 1 || !got[0].Started.Equal(started) {
		t.Errorf("workerStats() = %+v", got)
	}
}
