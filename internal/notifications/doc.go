// Package notifications delivers import outcomes via ntfy.
//
// The ntfy implementation publishes to the topic configured in config.toml
// and degrades to a no-op when no topic is set. Completion and failure
// messages can be toggled independently; the pipeline depends only on the
// Service interface.
package notifications
