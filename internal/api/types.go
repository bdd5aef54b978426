package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Response statuses that are not job statuses.
const (
	StatusQueued         = "queued"
	StatusAwaitingUpload = "awaiting_upload"
)

// ImportRequest is the POST /import body.
type ImportRequest struct {
	Title        string `json:"title"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Category     string `json:"category,omitempty"`
	SourceURL    string `json:"sourceUrl,omitempty"`
}

// ImportData identifies the job created by an import.
type ImportData struct {
	JobID  int64  `json:"jobId"`
	Status string `json:"status"`
	Title  string `json:"title"`
}

// ImportResponse is returned by POST /import and POST /upload.
type ImportResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    ImportData `json:"data"`
}

// LogEntry is one line of a job log.
type LogEntry struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

// JobStatus is returned by GET /status/{id}.
type JobStatus struct {
	JobID       int64            `json:"jobId"`
	Title       string           `json:"title"`
	Status      string           `json:"status"`
	Log         []LogEntry       `json:"log"`
	Error       string           `json:"error"`
	Created     string           `json:"created,omitempty"`
	Modified    string           `json:"modified,omitempty"`
	ImportedAt  string           `json:"importedAt,omitempty"`
	TemplateIDs map[string]int64 `json:"templateIds,omitempty"`
}

// RenderingPlugin reports the rendering plugin the importer requires.
type RenderingPlugin struct {
	Active  bool   `json:"active"`
	Version string `json:"version,omitempty"`
	Pro     bool   `json:"pro"`
}

// ConnectionStatus is returned by GET /status.
type ConnectionStatus struct {
	Connected       bool               `json:"connected"`
	SiteName        string             `json:"siteName"`
	SiteURL         string             `json:"siteUrl"`
	PlatformVersion string             `json:"platformVersion"`
	BridgeVersion   string             `json:"bridgeVersion"`
	RenderingPlugin RenderingPlugin    `json:"renderingPlugin"`
	CLIAvailable    bool               `json:"cliAvailable"`
	LibraryCount    int                `json:"libraryCount"`
	Jobs            map[string]int     `json:"jobs,omitempty"`
	Scheduler       *SchedulerStatus   `json:"scheduler,omitempty"`
	Dependencies    []DependencyStatus `json:"dependencies,omitempty"`
}

// SchedulerStatus summarizes the deferred-job scheduler.
type SchedulerStatus struct {
	Running   bool   `json:"running"`
	Busy      bool   `json:"busy"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	LastJobID int64  `json:"lastJobId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// DependencyStatus reports one external tool or path the importer uses.
type DependencyStatus struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Optional  bool   `json:"optional"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// LibraryEntry is a job as shown in library listings.
type LibraryEntry struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	Status       string           `json:"status"`
	ThumbnailURL string           `json:"thumbnailUrl"`
	Category     string           `json:"category"`
	SourceURL    string           `json:"sourceUrl"`
	ImportedAt   string           `json:"importedAt,omitempty"`
	TemplateIDs  map[string]int64 `json:"templateIds"`
	Dependencies json.RawMessage  `json:"dependencies,omitempty"`
	Error        string           `json:"error,omitempty"`
	Created      string           `json:"created,omitempty"`
}

// LibraryPage is returned by GET /library.
type LibraryPage struct {
	Items       []LibraryEntry `json:"items"`
	Total       int            `json:"total"`
	Pages       int            `json:"pages"`
	CurrentPage int            `json:"currentPage"`
}

// JobList is returned by GET /jobs.
type JobList struct {
	Items  []LibraryEntry `json:"items"`
	Counts map[string]int `json:"counts"`
}

// JobDetail is returned by GET /jobs/{id}.
type JobDetail struct {
	LibraryEntry
	DownloadURL string          `json:"downloadUrl,omitempty"`
	BundlePath  string          `json:"bundlePath,omitempty"`
	Manifest    json.RawMessage `json:"manifest,omitempty"`
	Log         []LogEntry      `json:"log"`
}

// SelectiveImportRequest is the POST /jobs/{id}/import-selected body.
type SelectiveImportRequest struct {
	Indices     []int `json:"indices"`
	CreatePages bool  `json:"createPages"`
}

// ImportedTemplate reports one template created by a selective import.
type ImportedTemplate struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	TemplateID int64  `json:"templateId"`
}

// CreatedPage reports a draft page created from an imported template.
type CreatedPage struct {
	Title  string `json:"title"`
	PageID int64  `json:"pageId"`
}

// SelectiveImportResponse is returned by POST /jobs/{id}/import-selected.
type SelectiveImportResponse struct {
	Success      bool               `json:"success"`
	Message      string             `json:"message"`
	Imported     []ImportedTemplate `json:"imported"`
	CreatedPages []CreatedPage      `json:"createdPages"`
	Errors       []string           `json:"errors"`
}

// BulkRequest is the POST /jobs/bulk body.
type BulkRequest struct {
	Action string  `json:"action"`
	IDs    []int64 `json:"ids"`
}

// ActionResponse acknowledges a job management action.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
