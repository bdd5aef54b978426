package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
)

const defaultInboxSettle = 2 * time.Second

// inboxWatcher turns ZIP files dropped into the inbox directory into jobs.
// A file is picked up once it has stopped changing for the settle period.
type inboxWatcher struct {
	dir      string
	pipeline *ingest.Pipeline
	logger   *slog.Logger
	settle   time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func newInboxWatcher(dir string, pipeline *ingest.Pipeline, logger *slog.Logger) *inboxWatcher {
	return &inboxWatcher{
		dir:      strings.TrimSpace(dir),
		pipeline: pipeline,
		logger:   logging.NewComponentLogger(logger, "inbox"),
		settle:   defaultInboxSettle,
	}
}

func (w *inboxWatcher) start(ctx context.Context) error {
	if w == nil || w.dir == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.done = make(chan struct{})

	existing, _ := filepath.Glob(filepath.Join(w.dir, "*"))
	w.wg.Add(1)
	go w.loop(ctx, existing)
	w.logger.Info("watching inbox", logging.String("dir", w.dir))
	return nil
}

func (w *inboxWatcher) stop() {
	if w == nil || w.watcher == nil {
		return
	}
	close(w.done)
	_ = w.watcher.Close()
	w.wg.Wait()
	w.watcher = nil
}

func (w *inboxWatcher) loop(ctx context.Context, existing []string) {
	defer w.wg.Done()

	pending := make(map[string]time.Time)
	now := time.Now()
	for _, path := range existing {
		if isBundleFile(path) {
			pending[path] = now
		}
	}
	tick := max(w.settle/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isBundleFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("inbox watch error", logging.Error(err))
		case <-ticker.C:
			now := time.Now()
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				w.ingest(ctx, path)
			}
		}
	}
}

// ingest creates a job for path, moves the bundle into the bundle directory
// and processes it.
func (w *inboxWatcher) ingest(ctx context.Context, path string) {
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("open inbox bundle failed", logging.String("file", path), logging.Error(err))
		}
		return
	}
	name := filepath.Base(path)
	stored, err := w.pipeline.Downloader().FromUpload(file, name)
	_ = file.Close()
	if err != nil {
		logging.WarnWithContext(w.logger, "inbox bundle rejected", "inbox_rejected",
			logging.String("file", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "drop a complete ZIP bundle into the inbox"),
			logging.String(logging.FieldImpact, "file left in the inbox"),
		)
		return
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn("remove inbox bundle failed", logging.String("file", path), logging.Error(err))
	}

	store := w.pipeline.Store()
	job, err := store.Create(ctx, jobs.NewJob{Title: strings.TrimSuffix(name, filepath.Ext(name))})
	if err != nil {
		_ = os.Remove(stored)
		w.logger.Error("create inbox job failed", logging.String("file", name), logging.Error(err))
		return
	}
	w.logger.Info("inbox bundle received",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("file", name),
	)
	if err := w.pipeline.AttachUpload(ctx, job.ID, stored); err != nil {
		w.logger.Debug("inbox import ended with error", logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
	}
}

func isBundleFile(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".zip")
}
