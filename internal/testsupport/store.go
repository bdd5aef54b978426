package testsupport

import (
	"context"
	"testing"

	"bundlebridge/internal/config"
	"bundlebridge/internal/jobs"
)

// MustOpenStore opens a jobs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...jobs.Option) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending job with the given title and download URL.
func NewJob(t testing.TB, store *jobs.Store, title, downloadURL string) *jobs.Job {
	t.Helper()

	job, err := store.Create(context.Background(), jobs.NewJob{Title: title, DownloadURL: downloadURL})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
