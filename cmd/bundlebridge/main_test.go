package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bundlebridge/internal/api"
	"bundlebridge/internal/config"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/transport"
)

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "bundlebridge")
	requireContains(t, out, "1.0.0")
	requireContains(t, out, "Scheduler")

	env.writeConfig(t, "", "127.0.0.1:7491")
	_, _, err = runCLI(t, []string{"status"}, env.configPath)
	if err == nil || err.Error() != transport.MessageNotConfigured {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestTestNotifyCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")

	out, _, err = runCLI(t, []string{"test-notify", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify --json: %v", err)
	}
	requireContains(t, out, `"success": false`)
}

func TestSubmitAndManageJobs(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"submit", "Agency", "Kit", "--url", env.market.URL + "/download/abc", "--category", "landing-pages"}, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Job 1: complete")

	out, _, err = runCLI(t, []string{"jobs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "Agency Kit")
	requireContains(t, out, "Landing Pages")

	out, _, err = runCLI(t, []string{"jobs", "show", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	requireContains(t, out, "Templates")
	requireContains(t, out, "0=")

	out, _, err = runCLI(t, []string{"--json", "library"}, env.configPath)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	var page api.LibraryPage
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode library: %v\n%s", err, out)
	}
	if page.Total != 1 || page.Items[0].Status != string(jobs.StatusComplete) {
		t.Fatalf("library = %+v", page)
	}

	out, _, err = runCLI(t, []string{"jobs", "bulk", "delete", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs bulk: %v", err)
	}
	requireContains(t, out, "Deleted 1 job(s).")
	if _, err := env.store.Get(context.Background(), 1); err == nil {
		t.Fatal("job should be deleted")
	}
}

func TestJobsArgumentValidation(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, []string{"jobs", "bulk", "archive", "1"}, env.configPath); err == nil || !strings.Contains(err.Error(), "unknown bulk action") {
		t.Fatalf("expected bulk action error, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"jobs", "show", "abc"}, env.configPath); err == nil || !strings.Contains(err.Error(), "invalid job id") {
		t.Fatalf("expected job id error, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"jobs", "import-selected", "1"}, env.configPath); err == nil {
		t.Fatal("import-selected without indices should fail")
	}
	_, _, err := runCLI(t, []string{"jobs", "show", "42"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "Import job not found.") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestUploadCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"upload", filepath.Join(env.baseDir, "kit.zip"), "--title", "Uploaded Kit"}, env.configPath)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	requireContains(t, out, "complete")

	job, err := env.store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Title != "Uploaded Kit" {
		t.Fatalf("title = %q", job.Title)
	}
}

func TestScrapeFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "item.html")
	if err := os.WriteFile(path, []byte(itemPage), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"--json", "scrape", "https://elements.envato.com/agency-landing-kit", "--file", path}, "")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	var result scrapeResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !result.Importable || result.Metadata.Title != "Agency Landing Kit" || result.DownloadHref != "/download/abc" {
		t.Fatalf("result = %+v", result)
	}
}

func TestCaptureCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startAgent(t)

	_, progress, err := runCLI(t, []string{"capture", env.market.URL + "/item/agency-kit"}, env.configPath)
	if err != nil {
		t.Fatalf("capture: %v\n%s", err, progress)
	}
	requireContains(t, progress, "waiting")

	job, err := env.store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobs.StatusComplete || job.DownloadURL != env.market.URL+"/download/abc" {
		t.Fatalf("job = %+v", job)
	}
}

func TestSessionCommands(t *testing.T) {
	env := setupCLITestEnv(t, func(cfg *config.Config) { cfg.API.NonceSecret = "session-secret" })
	env.startAgent(t)

	out, _, err := runCLI(t, []string{"session", "accounts"}, env.configPath)
	if err != nil {
		t.Fatalf("session accounts: %v", err)
	}
	requireContains(t, out, "No sessions detected")

	out, _, err = runCLI(t, []string{"session", "detect"}, env.configPath)
	if err != nil {
		t.Fatalf("session detect: %v", err)
	}
	requireContains(t, out, "recorded (user admin)")

	out, _, err = runCLI(t, []string{"session", "accounts"}, env.configPath)
	if err != nil {
		t.Fatalf("session accounts: %v", err)
	}
	requireContains(t, out, "admin")
	requireContains(t, out, "1 session(s)")
}

func TestConfigInitAndValidate(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HOME", base)
	target := filepath.Join(base, "conf", "bundlebridge.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("init should refuse to overwrite")
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, target)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}
