package api

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bundlebridge/internal/deps"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/workflow"
)

var titleCaser = cases.Title(language.English)

// FormatTime renders t in the API timestamp format. Zero times render empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

// FromLog converts job history lines.
func FromLog(entries []jobs.LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, LogEntry{Time: FormatTime(entry.Time), Message: entry.Message})
	}
	return out
}

// TemplateIDMap keys template ids by their decimal index.
func TemplateIDMap(ids map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(ids))
	for index, id := range ids {
		out[strconv.Itoa(index)] = id
	}
	return out
}

// FromJob converts a job into its status query representation.
func FromJob(job *jobs.Job, log []jobs.LogEntry, ids map[int]int64) JobStatus {
	if job == nil {
		return JobStatus{}
	}
	status := JobStatus{
		JobID:      job.ID,
		Title:      job.Title,
		Status:     string(job.Status),
		Log:        FromLog(log),
		Error:      job.Error,
		Created:    FormatTime(job.CreatedAt),
		Modified:   FormatTime(job.UpdatedAt),
		ImportedAt: formatTimePtr(job.ImportedAt),
	}
	if len(ids) > 0 {
		status.TemplateIDs = TemplateIDMap(ids)
	}
	return status
}

// FromJobEntry converts a job into a library listing entry. deps is the
// stored dependency document, if any.
func FromJobEntry(job *jobs.Job, ids map[int]int64, deps json.RawMessage) LibraryEntry {
	if job == nil {
		return LibraryEntry{}
	}
	entry := LibraryEntry{
		ID:           job.ID,
		Title:        job.Title,
		Status:       string(job.Status),
		ThumbnailURL: job.ThumbnailURL,
		Category:     job.Category,
		SourceURL:    job.SourceURL,
		ImportedAt:   formatTimePtr(job.ImportedAt),
		TemplateIDs:  TemplateIDMap(ids),
		Error:        job.Error,
		Created:      FormatTime(job.CreatedAt),
	}
	if len(deps) > 0 && string(deps) != "null" {
		entry.Dependencies = deps
	}
	return entry
}

// FromCounts flattens status counts, including a total.
func FromCounts(counts jobs.Counts) map[string]int {
	out := make(map[string]int, len(jobs.Statuses)+1)
	for _, status := range jobs.Statuses {
		out[string(status)] = counts.ByStatus[status]
	}
	out["total"] = counts.Total
	return out
}

// FromScheduler converts the scheduler summary.
func FromScheduler(summary workflow.StatusSummary) *SchedulerStatus {
	return &SchedulerStatus{
		Running:   summary.Running,
		Busy:      summary.Busy,
		Processed: summary.Processed,
		Failed:    summary.Failed,
		LastJobID: summary.LastJobID,
		LastError: summary.LastError,
	}
}

func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus{
			Name:      s.Name,
			Target:    s.Target,
			Optional:  s.Optional,
			Available: s.Available,
			Detail:    s.Detail,
		})
	}
	return out
}

// SortedTemplateIndices returns the indices of ids in ascending order.
func SortedTemplateIndices(ids map[string]int64) []string {
	keys := make([]string, 0, len(ids))
	for key := range ids {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}

// CategoryLabel renders a category slug such as "landing-pages" as
// "Landing Pages".
func CategoryLabel(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return ""
	}
	words := strings.FieldsFunc(category, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	return titleCaser.String(strings.Join(words, " "))
}
