// Package jobs persists import jobs and their status history in SQLite.
//
// A job moves through pending, downloading, extracting, importing and then
// complete, or into failed from any non-terminal state. Only Reset returns a
// job to pending. Every mutation appends to the job's log. Per-job metadata
// (manifest, dependencies, thumbnail) lives under versioned keys so several
// deployments can share a database, and template IDs are kept as an
// insert-only history.
package jobs
