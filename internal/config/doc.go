// Package config loads, normalizes, and validates bundlebridge configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours .env files and environment
// overrides for secrets such as BUNDLEBRIDGE_APP_PASSWORD. The Config type
// centralizes every knob the daemon, the capture agent and the CLI need.
package config
