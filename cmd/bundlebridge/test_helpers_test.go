package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bundlebridge/internal/agent"
	"bundlebridge/internal/config"
	"bundlebridge/internal/daemon"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/platform"
	"bundlebridge/internal/testsupport"
	"bundlebridge/internal/workflow"
)

const itemPage = `<html><head>
<title>Agency Landing Kit - Envato Elements</title>
<meta property="og:image" content="https://cdn.example/cover.jpg">
</head><body>
<main>
  <h1>Agency Landing Kit</h1>
  <div class="ItemSidebar">
    <span class="item-category">Template Kits</span>
    <div class="ActionBar"><a class="DownloadButton" href="/download/abc">Download</a></div>
  </div>
</main>
</body></html>`

type cliTestEnv struct {
	cfg        *config.Config
	store      *jobs.Store
	site       *httptest.Server
	market     *httptest.Server
	configPath string
	baseDir    string
}

// setupCLITestEnv serves the import API and a marketplace with one item
// page and its bundle, and writes a CLI config pointing at the API.
func setupCLITestEnv(t *testing.T, mutators ...func(*config.Config)) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", base)
	t.Setenv("BUNDLEBRIDGE_APP_PASSWORD", "")

	cfg := testsupport.NewConfig(t, testsupport.WithAppPassword("admin", "app-pass"))
	for _, mutate := range mutators {
		mutate(cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	native := platform.New(cfg, store, logger)
	pipeline := ingest.NewPipeline(cfg, store, ingest.NewDownloader(cfg, logger), ingest.NewImporter(cfg, native, logger), native, logger)
	d, err := daemon.New(cfg, pipeline, native, workflow.NewManager(cfg, store, pipeline, logger), nil, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	site := httptest.NewServer(d.Handler())
	t.Cleanup(site.Close)

	bundlePath := filepath.Join(base, "kit.zip")
	testsupport.WriteZip(t, bundlePath, testsupport.KitFiles())
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/item/agency-kit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(itemPage))
	})
	mux.HandleFunc("/download/abc", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(bundle)
	})
	market := httptest.NewServer(mux)
	t.Cleanup(market.Close)

	env := &cliTestEnv{
		cfg:        cfg,
		store:      store,
		site:       site,
		market:     market,
		configPath: filepath.Join(base, "config.toml"),
		baseDir:    base,
	}
	env.writeConfig(t, "app-pass", "127.0.0.1:7491")
	return env
}

func (e *cliTestEnv) writeConfig(t *testing.T, password, captureBind string) {
	t.Helper()
	data := filepath.Join(e.baseDir, "cli")
	content := fmt.Sprintf(`[paths]
data_dir = %q
bundle_dir = %q
extract_dir = %q
inbox_dir = %q
log_dir = %q

[target]
site_url = %q
username = "admin"
app_password = %q

[capture]
bind = %q
`,
		data,
		filepath.Join(data, "bundles"),
		filepath.Join(data, "extract"),
		filepath.Join(data, "inbox"),
		filepath.Join(data, "logs"),
		e.site.URL,
		password,
		captureBind,
	)
	if err := os.WriteFile(e.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startAgent serves a capture agent that forwards to the env's import API
// and points the CLI config at it.
func (e *cliTestEnv) startAgent(t *testing.T) *agent.Service {
	t.Helper()
	cfg, _, _, err := config.Load(e.configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc, err := agent.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(svc.Close)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	e.writeConfig(t, "app-pass", strings.TrimPrefix(srv.URL, "http://"))
	return svc
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
