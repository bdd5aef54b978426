// Package workflow runs deferred import jobs.
//
// The Manager polls the job store for scheduled jobs and hands each one to
// the ingest pipeline. Jobs become scheduled when an import request outlives
// the inline execution budget, when failed jobs are reset in bulk, or when a
// bulk re-import is queued. Wake nudges the poll loop so freshly scheduled
// work starts without waiting for the next tick.
//
// At startup RecoverInterrupted fails jobs a previous process left in a
// processing state; they cannot resume because extraction directories do not
// survive the run.
package workflow
