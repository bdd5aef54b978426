package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTarget(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTarget() error {
	switch c.Target.AuthMode {
	case "password", "cookie":
	default:
		return fmt.Errorf("target.auth_mode: unsupported value %q (expected password or cookie)", c.Target.AuthMode)
	}
	for key, value := range map[string]string{"target.site_url": c.Target.SiteURL, "target.rest_url": c.Target.RESTURL} {
		if value == "" {
			continue
		}
		parsed, err := url.Parse(value)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, value)
		}
	}
	return nil
}

func (c *Config) validateCapture() error {
	if c.Capture.FreshSeconds > c.Capture.CaptureTTLSeconds {
		return errors.New("capture.fresh_seconds must not exceed capture.capture_ttl_seconds")
	}
	return nil
}

func (c *Config) validateStorage() error {
	for _, r := range c.Storage.KeyPrefix {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return fmt.Errorf("storage.key_prefix must be lowercase alphanumeric, got %q", c.Storage.KeyPrefix)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
