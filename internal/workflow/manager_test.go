package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/testsupport"
	"bundlebridge/internal/workflow"
)

type recordingRunner struct {
	mu   sync.Mutex
	ran  []int64
	err  error
	done chan int64
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan int64, 16)}
}

func (r *recordingRunner) Run(_ context.Context, id int64) error {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	err := r.err
	r.mu.Unlock()
	r.done <- id
	return err
}

func waitForRun(t *testing.T, r *recordingRunner) int64 {
	t.Helper()
	select {
	case id := <-r.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduled job")
		return 0
	}
}

func TestManagerRunsEnqueuedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRecordingRunner()
	mgr := workflow.NewManager(cfg, store, runner, logging.NewNop(), workflow.WithPollInterval(time.Hour))

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()
	if err := mgr.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}

	job := testsupport.NewJob(t, store, "Queued Kit", "https://cdn.example/kit.zip")
	if err := mgr.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := waitForRun(t, runner); got != job.ID {
		t.Fatalf("ran job %d, want %d", got, job.ID)
	}

	stored, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ScheduledAt != nil {
		t.Fatal("schedule flag should be cleared once claimed")
	}
}

func TestManagerSkipsFutureJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRecordingRunner()
	mgr := workflow.NewManager(cfg, store, runner, logging.NewNop(), workflow.WithPollInterval(20*time.Millisecond))

	ctx := context.Background()
	later := testsupport.NewJob(t, store, "Later", "https://cdn.example/a.zip")
	now := testsupport.NewJob(t, store, "Now", "https://cdn.example/b.zip")
	if err := store.Schedule(ctx, later.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.Schedule(ctx, now.ID, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := waitForRun(t, runner); got != now.ID {
		t.Fatalf("ran job %d, want %d", got, now.ID)
	}
	time.Sleep(100 * time.Millisecond)
	mgr.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.ran) != 1 {
		t.Fatalf("expected only the due job to run, got %v", runner.ran)
	}
}

func TestManagerStatusCountsFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRecordingRunner()
	runner.err = errors.New("download failed")
	mgr := workflow.NewManager(cfg, store, runner, logging.NewNop(), workflow.WithPollInterval(time.Hour))

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "Broken", "https://cdn.example/kit.zip")
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.Enqueue(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, runner)
	mgr.Stop()

	status := mgr.Status(ctx)
	if status.Running {
		t.Fatal("expected manager to report stopped")
	}
	if status.Processed != 1 || status.Failed != 1 || status.LastJobID != job.ID {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastError != "download failed" {
		t.Fatalf("last error = %q", status.LastError)
	}
	if status.Counts.Total != 1 {
		t.Fatalf("counts = %+v", status.Counts)
	}
}

func TestRecoverInterruptedFailsProcessingJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	mgr := workflow.NewManager(cfg, store, newRecordingRunner(), logging.NewNop())

	ctx := context.Background()
	stuck := testsupport.NewJob(t, store, "Stuck", "https://cdn.example/kit.zip")
	idle := testsupport.NewJob(t, store, "Idle", "")
	if err := store.Transition(ctx, stuck.ID, jobs.StatusDownloading, ""); err != nil {
		t.Fatal(err)
	}

	ids, err := mgr.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if len(ids) != 1 || ids[0] != stuck.ID {
		t.Fatalf("recovered %v", ids)
	}
	got, err := store.Get(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobs.StatusFailed || got.Error == "" {
		t.Fatalf("stuck job = %+v", got)
	}
	if other, _ := store.Get(ctx, idle.ID); other.Status != jobs.StatusPending {
		t.Fatalf("idle job should stay pending, got %s", other.Status)
	}
}
