package daemon

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bundlebridge/internal/config"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/platform"
	"bundlebridge/internal/testsupport"
	"bundlebridge/internal/workflow"
)

type testEnv struct {
	cfg      *config.Config
	store    *jobs.Store
	native   *platform.Native
	pipeline *ingest.Pipeline
	workflow *workflow.Manager
}

func newTestEnv(t *testing.T, opts ...testsupport.ConfigOption) *testEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	native := platform.New(cfg, store, logger)
	pipeline := ingest.NewPipeline(cfg, store, ingest.NewDownloader(cfg, logger), ingest.NewImporter(cfg, native, logger), native, logger)
	wf := workflow.NewManager(cfg, store, pipeline, logger)
	return &testEnv{cfg: cfg, store: store, native: native, pipeline: pipeline, workflow: wf}
}

func (e *testEnv) server(opts ...apiOption) *apiServer {
	return newAPIServer(e.cfg, e.pipeline, e.native, e.workflow, nil, logging.NewNop(), opts...)
}

type request struct {
	method  string
	path    string
	body    io.Reader
	headers map[string]string
	noAuth  bool
	cookie  *http.Cookie
}

func serve(t *testing.T, srv *apiServer, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(req.method, APIPrefix+req.path, req.body)
	if !req.noAuth {
		r.Header.Set("Authorization", "Bearer test-token")
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	if req.cookie != nil {
		r.AddCookie(req.cookie)
	}
	w := httptest.NewRecorder()
	srv.handler.ServeHTTP(w, r)
	return w
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return bytes.NewReader(raw)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func kitBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kit.zip")
	testsupport.WriteZip(t, path, testsupport.KitFiles())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read kit: %v", err)
	}
	return data
}

func kitServer(t *testing.T) *httptest.Server {
	t.Helper()
	data := kitBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/kit.zip", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
