package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	BundleDir  string `toml:"bundle_dir"`
	ExtractDir string `toml:"extract_dir"`
	InboxDir   string `toml:"inbox_dir"`
	LogDir     string `toml:"log_dir"`
}

// API contains configuration for the import REST API served by the daemon.
type API struct {
	Bind                   string            `toml:"bind"`
	Token                  string            `toml:"token"`
	AppPasswords           map[string]string `toml:"app_passwords"`
	NonceSecret            string            `toml:"nonce_secret"`
	SessionTTLHours        int               `toml:"session_ttl_hours"`
	RateLimitMax           int               `toml:"rate_limit_max"`
	RateLimitWindowSeconds int               `toml:"rate_limit_window_seconds"`
	MaxExecutionSeconds    int               `toml:"max_execution_seconds"`
}

// Target describes how the capture agent reaches the import API.
type Target struct {
	SiteURL        string `toml:"site_url"`
	RESTURL        string `toml:"rest_url"`
	AuthMode       string `toml:"auth_mode"`
	Username       string `toml:"username"`
	AppPassword    string `toml:"app_password"`
	Nonce          string `toml:"nonce"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Capture contains timing and sizing for the capture agent.
type Capture struct {
	Bind                 string `toml:"bind"`
	MarketplaceHost      string `toml:"marketplace_host"`
	WaitWindowSeconds    int    `toml:"wait_window_seconds"`
	FreshSeconds         int    `toml:"fresh_seconds"`
	CaptureTTLSeconds    int    `toml:"capture_ttl_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
	MaxPages             int    `toml:"max_pages"`
	SessionMaxAgeHours   int    `toml:"session_max_age_hours"`
}

// Ingest controls bundle download and processing.
type Ingest struct {
	AutoImport             bool   `toml:"auto_import"`
	KeepBundle             bool   `toml:"keep_bundle"`
	DownloadTimeoutSeconds int    `toml:"download_timeout_seconds"`
	MaxRedirects           int    `toml:"max_redirects"`
	MinBundleBytes         int64  `toml:"min_bundle_bytes"`
	UserAgent              string `toml:"user_agent"`
}

// Platform describes the content platform bundles are imported into.
type Platform struct {
	SiteName               string `toml:"site_name"`
	SiteURL                string `toml:"site_url"`
	Version                string `toml:"version"`
	RenderingPlugin        bool   `toml:"rendering_plugin"`
	RenderingPluginVersion string `toml:"rendering_plugin_version"`
	ProPlugin              bool   `toml:"pro_plugin"`
	InstallPath            string `toml:"install_path"`
}

// CLI configures the external command-line import strategy.
type CLI struct {
	Enabled        bool     `toml:"enabled"`
	Command        string   `toml:"command"`
	KitArgs        []string `toml:"kit_args"`
	ItemArgs       []string `toml:"item_args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Storage configures the versioned key namespace used for job metadata.
type Storage struct {
	KeyPrefix  string `toml:"key_prefix"`
	KeyVersion int    `toml:"key_version"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Workflow contains configuration for the deferred job scheduler.
type Workflow struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for bundlebridge.
//
// Configuration sections by subsystem:
//   - Paths: data, bundle, extraction, inbox and log directories
//   - API: import API bind address, credentials and rate limiting
//   - Target: how the capture agent authenticates with the import API
//   - Capture: correlator wait windows and cache sizes
//   - Ingest: download limits and the auto-import policy
//   - Platform: the content platform that receives templates
//   - CLI: external import command
//   - Storage: versioned job metadata keys
//   - Notifications: ntfy push notification settings
//   - Workflow: deferred job polling
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Target        Target        `toml:"target"`
	Capture       Capture       `toml:"capture"`
	Ingest        Ingest        `toml:"ingest"`
	Platform      Platform      `toml:"platform"`
	CLI           CLI           `toml:"cli"`
	Storage       Storage       `toml:"storage"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/bundlebridge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(filepath.Dir(resolvedPath)); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads .env files next to the config file and in the working
// directory. Variables already present in the environment win.
func loadDotEnv(configDir string) error {
	candidates := []string{filepath.Join(configDir, ".env"), ".env"}
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load env file %s: %w", abs, err)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("bundlebridge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Bundle and extraction directories are private to the daemon user.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, dir := range []string{c.Paths.BundleDir, c.Paths.ExtractDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.InboxDir) != "" {
		if err := os.MkdirAll(c.Paths.InboxDir, 0o755); err != nil {
			return fmt.Errorf("create inbox directory %q: %w", c.Paths.InboxDir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the job database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "bundlebridge.db")
}

// LockPath returns the location of the daemon single-instance lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "bundlebridged.lock")
}

// WaitWindow returns how long the correlator waits for a capture.
func (c *Config) WaitWindow() time.Duration {
	return time.Duration(c.Capture.WaitWindowSeconds) * time.Second
}

// ExecutionBudget returns the inline processing budget. Zero means unlimited.
func (c *Config) ExecutionBudget() time.Duration {
	return time.Duration(c.API.MaxExecutionSeconds) * time.Second
}

// SessionTTL returns how long an issued cookie session stays valid.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.API.SessionTTLHours) * time.Hour
}

// RateLimitWindow returns the sliding window used by the import API limiter.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.API.RateLimitWindowSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
