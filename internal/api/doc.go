// Package api defines the wire-format types shared by the import REST API,
// the transport client and the CLI.
//
// DTOs use camelCase JSON tags. Job statuses are exposed as lowercase
// strings and timestamps as RFC3339 with milliseconds. FromJob converts a
// stored jobs.Job into its status and library representations.
package api
