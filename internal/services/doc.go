// Package services defines the error markers and context keys shared by the
// ingest pipeline, the import API and the capture agent.
//
// Wrap tags failures with a classification marker plus stage context, and
// UserMessage recovers the sentence that is persisted on a job and shown to
// the user.
package services
