package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeTarget()
	c.normalizeCapture()
	c.normalizeIngest()
	c.normalizeCLI()
	c.normalizeStorage()
	c.normalizeLogging()
	if c.Workflow.PollIntervalSeconds <= 0 {
		c.Workflow.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.BundleDir) == "" {
		c.Paths.BundleDir = defaultBundleDir
	}
	if c.Paths.BundleDir, err = expandPath(c.Paths.BundleDir); err != nil {
		return fmt.Errorf("paths.bundle_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ExtractDir) == "" {
		c.Paths.ExtractDir = defaultExtractDir
	}
	if c.Paths.ExtractDir, err = expandPath(c.Paths.ExtractDir); err != nil {
		return fmt.Errorf("paths.extract_dir: %w", err)
	}
	if c.Paths.InboxDir, err = expandPath(strings.TrimSpace(c.Paths.InboxDir)); err != nil {
		return fmt.Errorf("paths.inbox_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if value, ok := os.LookupEnv("BUNDLEBRIDGE_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.API.Token = value
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	if value, ok := os.LookupEnv("BUNDLEBRIDGE_NONCE_SECRET"); ok && strings.TrimSpace(value) != "" {
		c.API.NonceSecret = value
	}
	c.API.NonceSecret = strings.TrimSpace(c.API.NonceSecret)
	if c.API.RateLimitMax <= 0 {
		c.API.RateLimitMax = defaultRateLimitMax
	}
	if c.API.RateLimitWindowSeconds <= 0 {
		c.API.RateLimitWindowSeconds = defaultRateLimitWindowSeconds
	}
	if c.API.SessionTTLHours <= 0 {
		c.API.SessionTTLHours = defaultSessionTTLHours
	}
	if c.API.MaxExecutionSeconds < 0 {
		c.API.MaxExecutionSeconds = 0
	}
	if len(c.API.AppPasswords) > 0 {
		cleaned := make(map[string]string, len(c.API.AppPasswords))
		for user, password := range c.API.AppPasswords {
			user = strings.TrimSpace(user)
			if user == "" {
				continue
			}
			cleaned[user] = strings.ReplaceAll(strings.TrimSpace(password), " ", "")
		}
		c.API.AppPasswords = cleaned
	}
}

func (c *Config) normalizeTarget() {
	c.Target.SiteURL = strings.TrimRight(strings.TrimSpace(c.Target.SiteURL), "/")
	c.Target.RESTURL = strings.TrimRight(strings.TrimSpace(c.Target.RESTURL), "/")
	c.Target.AuthMode = strings.ToLower(strings.TrimSpace(c.Target.AuthMode))
	if c.Target.AuthMode == "" {
		c.Target.AuthMode = defaultTargetAuthMode
	}
	c.Target.Username = strings.TrimSpace(c.Target.Username)
	if value, ok := os.LookupEnv("BUNDLEBRIDGE_APP_PASSWORD"); ok && strings.TrimSpace(value) != "" {
		c.Target.AppPassword = value
	}
	// Application passwords are displayed in groups separated by spaces.
	c.Target.AppPassword = strings.ReplaceAll(strings.TrimSpace(c.Target.AppPassword), " ", "")
	c.Target.Nonce = strings.TrimSpace(c.Target.Nonce)
	if c.Target.RequestTimeout <= 0 {
		c.Target.RequestTimeout = defaultTargetRequestTimeout
	}
}

func (c *Config) normalizeCapture() {
	c.Capture.Bind = strings.TrimSpace(c.Capture.Bind)
	c.Capture.MarketplaceHost = strings.ToLower(strings.TrimSpace(c.Capture.MarketplaceHost))
	if c.Capture.MarketplaceHost == "" {
		c.Capture.MarketplaceHost = defaultMarketplaceHost
	}
	if c.Capture.WaitWindowSeconds <= 0 {
		c.Capture.WaitWindowSeconds = defaultWaitWindowSeconds
	}
	if c.Capture.FreshSeconds <= 0 {
		c.Capture.FreshSeconds = defaultFreshSeconds
	}
	if c.Capture.CaptureTTLSeconds <= 0 {
		c.Capture.CaptureTTLSeconds = defaultCaptureTTLSeconds
	}
	if c.Capture.SweepIntervalSeconds <= 0 {
		c.Capture.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if c.Capture.MaxPages <= 0 {
		c.Capture.MaxPages = defaultMaxPages
	}
	if c.Capture.SessionMaxAgeHours <= 0 {
		c.Capture.SessionMaxAgeHours = defaultSessionMaxAgeHours
	}
}

func (c *Config) normalizeIngest() {
	if c.Ingest.DownloadTimeoutSeconds <= 0 {
		c.Ingest.DownloadTimeoutSeconds = defaultDownloadTimeoutSeconds
	}
	if c.Ingest.MaxRedirects <= 0 {
		c.Ingest.MaxRedirects = defaultMaxRedirects
	}
	if c.Ingest.MinBundleBytes <= 0 {
		c.Ingest.MinBundleBytes = defaultMinBundleBytes
	}
	c.Ingest.UserAgent = strings.TrimSpace(c.Ingest.UserAgent)
	if c.Ingest.UserAgent == "" {
		c.Ingest.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeCLI() {
	c.CLI.Command = strings.TrimSpace(c.CLI.Command)
	if c.CLI.Command == "" {
		c.CLI.Command = defaultCLICommand
	}
	if len(c.CLI.KitArgs) == 0 {
		c.CLI.KitArgs = append([]string(nil), defaultKitArgs...)
	}
	if len(c.CLI.ItemArgs) == 0 {
		c.CLI.ItemArgs = append([]string(nil), defaultItemArgs...)
	}
	if c.CLI.TimeoutSeconds <= 0 {
		c.CLI.TimeoutSeconds = defaultCLITimeoutSeconds
	}
	c.Platform.InstallPath = strings.TrimSpace(c.Platform.InstallPath)
}

func (c *Config) normalizeStorage() {
	c.Storage.KeyPrefix = strings.Trim(strings.TrimSpace(c.Storage.KeyPrefix), "_")
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = defaultKeyPrefix
	}
	if c.Storage.KeyVersion <= 0 {
		c.Storage.KeyVersion = defaultKeyVersion
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
