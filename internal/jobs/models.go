package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of an import job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusImporting   Status = "importing"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusExtracting,
	StatusImporting,
	StatusComplete,
	StatusFailed,
}

// ParseStatus normalizes a status name. It reports false for unknown names.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Statuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// Processing reports whether the status is held while a worker runs.
func (s Status) Processing() bool {
	return s == StatusDownloading || s == StatusExtracting || s == StatusImporting
}

// Terminal reports whether no further transition is possible without Reset.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// DefaultTitle names jobs created without a title.
const DefaultTitle = "Untitled Template Kit"

// Job is a persisted import job.
type Job struct {
	ID           int64
	Title        string
	Status       Status
	DownloadURL  string
	ThumbnailURL string
	Category     string
	SourceURL    string
	BundlePath   string
	Error        string
	ImportedAt   *time.Time
	ScheduledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasBundle reports whether a retained bundle path is recorded.
func (j *Job) HasBundle() bool {
	return j != nil && strings.TrimSpace(j.BundlePath) != ""
}

// NewJob carries the fields accepted on creation.
type NewJob struct {
	Title        string
	DownloadURL  string
	ThumbnailURL string
	Category     string
	SourceURL    string
}

// LogEntry is one line of a job's history.
type LogEntry struct {
	Time    time.Time
	Message string
}

// ListOptions filters List.
type ListOptions struct {
	Statuses []Status
	Search   string
	// Page is 1-based. Zero with PerPage zero returns every match.
	Page    int
	PerPage int
}

// Counts maps each status to its job count; Total sums them.
type Counts struct {
	ByStatus map[Status]int
	Total    int
}

// MarshalJSON flattens counts into {"pending":n,...,"total":n}.
func (c Counts) MarshalJSON() ([]byte, error) {
	out := make(map[string]int, len(Statuses)+1)
	for _, status := range Statuses {
		out[string(status)] = c.ByStatus[status]
	}
	out["total"] = c.Total
	return json.Marshal(out)
}

// LibraryTemplate is a template stored by the native import routine.
type LibraryTemplate struct {
	ID         int64
	JobID      int64
	Title      string
	Type       string
	SourceFile string
	Content    string
	CreatedAt  time.Time
}

// LibraryPage is a draft page built from a library template.
type LibraryPage struct {
	ID         int64
	TemplateID int64
	Title      string
	Status     string
	CreatedAt  time.Time
}
