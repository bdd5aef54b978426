package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"bundlebridge/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "bundlebridge")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.BundleDir != filepath.Join(wantData, "bundles") {
		t.Fatalf("unexpected bundle dir: %q", cfg.Paths.BundleDir)
	}
	if cfg.API.Bind != "127.0.0.1:7490" {
		t.Fatalf("unexpected api bind: %q", cfg.API.Bind)
	}
	if cfg.API.RateLimitMax != 10 || cfg.API.RateLimitWindowSeconds != 300 {
		t.Fatalf("unexpected rate limit defaults: %d/%d", cfg.API.RateLimitMax, cfg.API.RateLimitWindowSeconds)
	}
	if cfg.Capture.WaitWindowSeconds != 30 || cfg.Capture.CaptureTTLSeconds != 300 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if !cfg.Ingest.AutoImport {
		t.Fatal("expected auto import enabled by default")
	}
	if cfg.Storage.KeyPrefix != "bk" || cfg.Storage.KeyVersion != 1 {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	type payload struct {
		Paths   map[string]any `toml:"paths"`
		Target  map[string]any `toml:"target"`
		Ingest  map[string]any `toml:"ingest"`
		Storage map[string]any `toml:"storage"`
	}
	data, err := toml.Marshal(payload{
		Paths:   map[string]any{"data_dir": filepath.Join(dir, "data")},
		Target:  map[string]any{"site_url": "https://example.test/", "auth_mode": "COOKIE", "app_password": "abcd efgh"},
		Ingest:  map[string]any{"auto_import": false},
		Storage: map[string]any{"key_prefix": "_xv_"},
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %s, got %s (exists=%v)", path, resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.Target.SiteURL != "https://example.test" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Target.SiteURL)
	}
	if cfg.Target.AuthMode != "cookie" {
		t.Fatalf("expected auth mode lowered, got %q", cfg.Target.AuthMode)
	}
	if cfg.Target.AppPassword != "abcdefgh" {
		t.Fatalf("expected app password spaces removed, got %q", cfg.Target.AppPassword)
	}
	if cfg.Ingest.AutoImport {
		t.Fatal("expected auto import disabled")
	}
	if cfg.Storage.KeyPrefix != "xv" {
		t.Fatalf("expected key prefix trimmed, got %q", cfg.Storage.KeyPrefix)
	}
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[target]\nauth_mode = \"oauth\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "target.auth_mode") {
		t.Fatalf("expected auth mode error, got %v", err)
	}
}

func TestLoadReadsSecretsFromDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BUNDLEBRIDGE_APP_PASSWORD", "")
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[target]\nusername = \"admin\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BUNDLEBRIDGE_API_TOKEN=from-env-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("BUNDLEBRIDGE_API_TOKEN") })

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.Token != "from-env-file" {
		t.Fatalf("expected token from .env, got %q", cfg.API.Token)
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.CLI.Command != "wp" || len(cfg.CLI.KitArgs) == 0 {
		t.Fatalf("unexpected cli section: %+v", cfg.CLI)
	}
}

func TestEnsureDirectoriesCreatesPrivateBundleDir(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.BundleDir = filepath.Join(base, "bundles")
	cfg.Paths.ExtractDir = filepath.Join(base, "extract")
	cfg.Paths.InboxDir = filepath.Join(base, "inbox")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	info, err := os.Stat(cfg.Paths.BundleDir)
	if err != nil {
		t.Fatalf("stat bundle dir: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected 0700 bundle dir, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(cfg.Paths.InboxDir); err != nil {
		t.Fatalf("expected inbox dir: %v", err)
	}
}
