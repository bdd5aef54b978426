package testsupport

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"bundlebridge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.BundleDir = filepath.Join(base, "bundles")
	cfgVal.Paths.ExtractDir = filepath.Join(base, "extract")
	cfgVal.Paths.InboxDir = filepath.Join(base, "inbox")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.API.Token = "test-token"
	cfgVal.Capture.Bind = "127.0.0.1:0"
	cfgVal.CLI.Enabled = false
	cfgVal.Platform.InstallPath = filepath.Join(base, "site")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithManualImport disables the auto-import policy.
func WithManualImport() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.AutoImport = false
	}
}

// WithAppPassword registers a basic-auth credential for the import API.
func WithAppPassword(user, password string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.API.AppPasswords == nil {
			b.cfg.API.AppPasswords = map[string]string{}
		}
		b.cfg.API.AppPasswords[user] = password
	}
}

// WithStubbedCLI writes a stub import command that prints output and exits
// with code, prepends it to PATH and enables the CLI strategy.
func WithStubbedCLI(name, output string, code int) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := "#!/bin/sh\ncat <<'OUT'\n" + output + "\nOUT\nexit " + strconv.Itoa(code) + "\n"
		if err := os.WriteFile(filepath.Join(binDir, name), []byte(script), 0o755); err != nil {
			b.t.Fatalf("write stub %s: %v", name, err)
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
		b.cfg.CLI.Enabled = true
		b.cfg.CLI.Command = name
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
