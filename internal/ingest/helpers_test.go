package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"bundlebridge/internal/config"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/testsupport"
)

type fakePlatform struct {
	mu       sync.Mutex
	inactive bool
	next     int64
	imported []TemplateImport
	pages    map[int64]string
	reject   map[string]bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{next: 100, pages: map[int64]string{}, reject: map[string]bool{}}
}

func (f *fakePlatform) Active() bool { return !f.inactive }

func (f *fakePlatform) ImportTemplate(_ context.Context, in TemplateImport) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[in.Title] {
		return 0, errors.New("rejected by platform")
	}
	f.next++
	f.imported = append(f.imported, in)
	return f.next, nil
}

func (f *fakePlatform) CreatePage(_ context.Context, templateID int64, title string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(900 + len(f.pages))
	f.pages[id] = title
	return id, nil
}

func (f *fakePlatform) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.imported))
	for _, in := range f.imported {
		out = append(out, in.Title)
	}
	return out
}

type harness struct {
	cfg      *config.Config
	store    *jobs.Store
	platform *fakePlatform
	pipeline *Pipeline
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	platform := newFakePlatform()
	logger := logging.NewNop()
	pipeline := NewPipeline(cfg, store, NewDownloader(cfg, logger), NewImporter(cfg, platform, logger), platform, logger)
	return &harness{cfg: cfg, store: store, platform: platform, pipeline: pipeline}
}

// bundleBytes returns the bytes of a ZIP holding files.
func bundleBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	testsupport.WriteZip(t, path, files)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	return data
}

// writeBundle writes a ZIP under the bundle directory and returns its path.
func writeBundle(t *testing.T, cfg *config.Config, files map[string]string) string {
	t.Helper()
	path := filepath.Join(cfg.Paths.BundleDir, "bk-test-"+strings.ReplaceAll(t.Name(), "/", "_")+".zip")
	testsupport.WriteZip(t, path, files)
	return path
}

func bundleServer(t *testing.T, routes map[string]func(http.ResponseWriter, *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, handler := range routes {
		mux.HandleFunc(path, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serveBytes(data []byte) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
