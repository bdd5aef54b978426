// Package daemon coordinates the long-running bundlebridged process.
//
// It wires configuration, the job store, the ingest pipeline, the deferred
// job scheduler and the inbox watcher into a single lifecycle with
// flock-based locking to prevent multiple instances. On start it fails jobs
// a previous process left mid-flight, then serves the import REST API.
//
// The API mounts under /rest/bundlebridge/v1. Every route requires a bearer
// token, an application password or a session cookie with its nonce, unless
// no credential is configured at all. Import and upload routes are rate
// limited per caller over a sliding window. Imports with a download URL run
// inline when the execution budget allows it and are queued otherwise.
//
// Keep orchestration and HTTP mapping here: download, extraction and import
// live in the ingest package.
package daemon
