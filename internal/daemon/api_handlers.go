package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bundlebridge/internal/api"
	"bundlebridge/internal/deps"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/services"
)

const (
	messageImportComplete   = "Import completed successfully!"
	messageImportProcessing = "Import is processing."
	messageImportQueued     = "Import queued for background processing."
	messageAwaitingUpload   = "Template entry created. Upload the ZIP file manually in the dashboard."
	messageBundlePrepared   = "Bundle received. Choose the templates to import."
)

func (s *apiServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var req api.ImportRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.writeError(w, http.StatusBadRequest, "bundlebridge_missing_title", "Template title is required.")
		return
	}
	downloadURL := strings.TrimSpace(req.DownloadURL)
	if downloadURL != "" && !ingest.ValidURL(downloadURL) {
		s.writeError(w, http.StatusBadRequest, "bundlebridge_invalid_url", "Invalid download URL.")
		return
	}

	job, err := s.store.Create(r.Context(), jobs.NewJob{
		Title:        title,
		DownloadURL:  downloadURL,
		ThumbnailURL: strings.TrimSpace(req.ThumbnailURL),
		Category:     strings.TrimSpace(req.Category),
		SourceURL:    strings.TrimSpace(req.SourceURL),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	logger := s.logger.With(logging.Int64(logging.FieldJobID, job.ID))
	logger.Info("import requested",
		logging.String("title", job.Title),
		logging.Bool("has_url", downloadURL != ""),
		logging.String("caller", identity(r.Context())),
	)

	if downloadURL == "" {
		s.writeJSON(w, http.StatusCreated, api.ImportResponse{
			Success: true,
			Message: messageAwaitingUpload,
			Data:    api.ImportData{JobID: job.ID, Status: api.StatusAwaitingUpload, Title: job.Title},
		})
		return
	}

	if !s.runsInline() {
		if err := s.enqueue(r.Context(), job.ID); err != nil {
			s.writeFailure(w, r, err)
			return
		}
		if err := s.notifier.NotifyImportQueued(r.Context(), job.Title, job.ID); err != nil {
			logger.Debug("queued notification failed", logging.Error(err))
		}
		s.writeJSON(w, http.StatusAccepted, api.ImportResponse{
			Success: true,
			Message: messageImportQueued,
			Data:    api.ImportData{JobID: job.ID, Status: api.StatusQueued, Title: job.Title},
		})
		return
	}

	ctx, cancel := s.detached(r)
	defer cancel()
	if err := s.pipeline.ProcessFromURL(ctx, job.ID); err != nil {
		logger.Debug("inline import ended with error", logging.Error(err))
	}
	s.writeProcessed(w, r, job.ID, http.StatusOK)
}

// runsInline reports whether the execution budget allows processing within
// the request.
func (s *apiServer) runsInline() bool {
	budget := s.cfg.ExecutionBudget()
	return budget == 0 || budget >= minInlineBudget
}

func (s *apiServer) enqueue(ctx context.Context, id int64) error {
	if s.workflow != nil {
		return s.workflow.Enqueue(ctx, id)
	}
	return s.store.Schedule(ctx, id, s.clock.Now())
}

// writeProcessed reports the job's state after processing ran.
func (s *apiServer) writeProcessed(w http.ResponseWriter, r *http.Request, id int64, status int) {
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	message := messageImportProcessing
	switch job.Status {
	case jobs.StatusComplete:
		message = messageImportComplete
	case jobs.StatusFailed:
		message = job.Error
	case jobs.StatusPending:
		if job.HasBundle() {
			message = messageBundlePrepared
		}
	}
	s.writeJSON(w, status, api.ImportResponse{
		Success: job.Status != jobs.StatusFailed,
		Message: message,
		Data:    api.ImportData{JobID: job.ID, Status: string(job.Status), Title: job.Title},
	})
}

func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	body, name, title, err := s.uploadSource(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer body.Close()

	path, err := s.pipeline.Downloader().FromUpload(body, name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	id, err := s.uploadTarget(r, title, name)
	if err != nil {
		_ = os.Remove(path)
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("bundle uploaded",
		logging.Int64(logging.FieldJobID, id),
		logging.String("file", name),
		logging.String("caller", identity(r.Context())),
	)

	ctx, cancel := s.detached(r)
	defer cancel()
	if err := s.pipeline.AttachUpload(ctx, id, path); err != nil {
		var transition *jobs.TransitionError
		if errors.Is(err, jobs.ErrNotFound) || errors.As(err, &transition) {
			s.writeFailure(w, r, err)
			return
		}
		s.logger.Debug("upload processing ended with error", logging.Int64(logging.FieldJobID, id), logging.Error(err))
	}
	s.writeProcessed(w, r, id, http.StatusOK)
}

// uploadSource returns the uploaded bundle from a multipart "bundle" field or
// from the raw request body.
func (s *apiServer) uploadSource(r *http.Request) (io.ReadCloser, string, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", "", services.Wrap(services.ErrValidation, "api", "upload", "Invalid upload form.", err)
		}
		file, header, err := r.FormFile("bundle")
		if err != nil {
			return nil, "", "", services.Wrap(services.ErrValidation, "api", "upload", "No file was uploaded.", err)
		}
		return file, header.Filename, strings.TrimSpace(r.FormValue("title")), nil
	}
	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		name = "bundle.zip"
	}
	return r.Body, name, strings.TrimSpace(r.URL.Query().Get("title")), nil
}

// uploadTarget resolves the job an upload belongs to, creating one when no
// job_id was given.
func (s *apiServer) uploadTarget(r *http.Request, title, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.FormValue("job_id"))
	}
	if raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, services.Wrap(services.ErrValidation, "api", "upload", "Invalid job id.", err)
		}
		if _, err := s.store.Get(r.Context(), id); err != nil {
			return 0, err
		}
		return id, nil
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	job, err := s.store.Create(r.Context(), jobs.NewJob{Title: title})
	if err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := s.platform.Info()
	count, err := s.platform.LibraryCount(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	status := api.ConnectionStatus{
		Connected:       true,
		SiteName:        info.SiteName,
		SiteURL:         info.SiteURL,
		PlatformVersion: info.Version,
		BridgeVersion:   BridgeVersion,
		RenderingPlugin: api.RenderingPlugin{
			Active:  info.PluginActive,
			Version: info.PluginVersion,
			Pro:     info.Pro,
		},
		CLIAvailable: s.pipeline.Importer().CLIAvailable(),
		LibraryCount: count,
		Dependencies: api.FromDependencies(deps.Check(s.cfg)),
	}
	if s.workflow != nil {
		summary := s.workflow.Status(r.Context())
		status.Scheduler = api.FromScheduler(summary)
		status.Jobs = api.FromCounts(summary.Counts)
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleTestNotification sends a test message to the configured ntfy topic.
func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.Notifications.NtfyTopic) == "" {
		s.writeJSON(w, http.StatusOK, api.ActionResponse{Success: false, Message: "ntfy topic not configured"})
		return
	}
	if err := s.notifier.TestNotification(r.Context()); err != nil {
		logging.WarnWithContext(s.logger, "test notification failed", "notification_test",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
		)
		s.writeError(w, http.StatusBadGateway, "bundlebridge_notification_failed", "Failed to send notification: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{Success: true, Message: "Test notification sent"})
}

func (s *apiServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	log, err := s.store.Log(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	ids, err := s.store.TemplateIDs(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job, log, ids))
}

func (s *apiServer) handleLibrary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := positiveInt(q.Get("page"), 1)
	perPage := min(positiveInt(q.Get("per_page"), defaultPerPage), maxPerPage)

	list, total, err := s.store.List(r.Context(), jobs.ListOptions{
		Search:  strings.TrimSpace(q.Get("search")),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items, err := s.entries(r.Context(), list)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.LibraryPage{
		Items:       items,
		Total:       total,
		Pages:       int(math.Ceil(float64(total) / float64(perPage))),
		CurrentPage: page,
	})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := jobs.ParseStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, "bundlebridge_invalid_status", fmt.Sprintf("Unknown status %q.", strings.TrimSpace(part)))
				return
			}
			statuses = append(statuses, status)
		}
	}
	list, _, err := s.store.List(r.Context(), jobs.ListOptions{Statuses: statuses})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items, err := s.entries(r.Context(), list)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobList{Items: items, Counts: api.FromCounts(counts)})
}

func (s *apiServer) entries(ctx context.Context, list []*jobs.Job) ([]api.LibraryEntry, error) {
	items := make([]api.LibraryEntry, 0, len(list))
	for _, job := range list {
		entry, err := s.entry(ctx, job)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, nil
}

func (s *apiServer) entry(ctx context.Context, job *jobs.Job) (api.LibraryEntry, error) {
	ids, err := s.store.TemplateIDs(ctx, job.ID)
	if err != nil {
		return api.LibraryEntry{}, err
	}
	deps, err := s.store.MetaRaw(ctx, job.ID, jobs.FieldDependencies)
	if err != nil {
		return api.LibraryEntry{}, err
	}
	return api.FromJobEntry(job, ids, deps), nil
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entry, err := s.entry(r.Context(), job)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	manifest, err := s.store.MetaRaw(r.Context(), id, jobs.FieldManifest)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	log, err := s.store.Log(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobDetail{
		LibraryEntry: entry,
		DownloadURL:  job.DownloadURL,
		BundlePath:   job.BundlePath,
		Manifest:     manifest,
		Log:          api.FromLog(log),
	})
}

func (s *apiServer) handleReimport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	ctx, cancel := s.detached(r)
	defer cancel()
	if err := s.pipeline.Reimport(ctx, id); err != nil {
		var transition *jobs.TransitionError
		if errors.Is(err, jobs.ErrNotFound) || errors.As(err, &transition) || errors.Is(err, ingest.ErrNoBundle) {
			s.writeFailure(w, r, err)
			return
		}
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := api.ActionResponse{Success: job.Status != jobs.StatusFailed, Message: "Re-import complete."}
	switch job.Status {
	case jobs.StatusFailed:
		resp.Message = job.Error
	case jobs.StatusPending:
		resp.Message = messageBundlePrepared
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.pipeline.Reset(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{Success: true, Message: "Job reset to pending."})
}

func (s *apiServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.pipeline.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{Success: true, Message: "Job deleted."})
}

func (s *apiServer) handleImportSelected(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	var req api.SelectiveImportRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	ctx, cancel := s.detached(r)
	defer cancel()
	result, err := s.pipeline.ImportSelected(ctx, id, req.Indices, ingest.SelectOptions{CreatePages: req.CreatePages})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := api.SelectiveImportResponse{
		Success:      len(result.Imported) > 0,
		Message:      fmt.Sprintf("Imported %d template(s).", len(result.Imported)),
		Imported:     make([]api.ImportedTemplate, 0, len(result.Imported)),
		CreatedPages: make([]api.CreatedPage, 0, len(result.CreatedPages)),
		Errors:       append([]string{}, result.Errors...),
	}
	for _, t := range result.Imported {
		resp.Imported = append(resp.Imported, api.ImportedTemplate{Index: t.Index, Title: t.Title, TemplateID: t.TemplateID})
	}
	for _, p := range result.CreatedPages {
		resp.CreatedPages = append(resp.CreatedPages, api.CreatedPage{Title: p.Title, PageID: p.PageID})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	count, err := s.pipeline.ResetFailed(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.wake()
	s.writeJSON(w, http.StatusOK, api.ActionResponse{
		Success: true,
		Message: fmt.Sprintf("Reset %d failed job(s).", count),
		Count:   count,
	})
}

func (s *apiServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req api.BulkRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	count, err := s.pipeline.Bulk(r.Context(), req.Action, req.IDs)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	message := fmt.Sprintf("Deleted %d job(s).", count)
	if strings.EqualFold(strings.TrimSpace(req.Action), ingest.BulkReimport) {
		message = fmt.Sprintf("Queued %d job(s) for re-import.", count)
		s.wake()
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{Success: true, Message: message, Count: count})
}

func (s *apiServer) wake() {
	if s.workflow != nil {
		s.workflow.Wake()
	}
}

// handleSession issues a cookie session to a caller authenticated with an
// application password.
func (s *apiServer) handleSession(w http.ResponseWriter, r *http.Request) {
	who := identity(r.Context())
	user, ok := strings.CutPrefix(who, "user:")
	if !ok {
		s.writeError(w, http.StatusForbidden, "bundlebridge_forbidden", "Sessions require application password credentials.")
		return
	}
	value, nonce, expires, ok := s.auth.issueSession(user)
	if !ok {
		s.writeError(w, http.StatusFailedDependency, "bundlebridge_unavailable", "Session signing is not configured.")
		return
	}
	siteURL := strings.TrimRight(strings.TrimSpace(s.cfg.Platform.SiteURL), "/")
	if siteURL == "" {
		siteURL = "http://" + r.Host
	}
	cookie := &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(s.auth.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, cookie)
	s.writeJSON(w, http.StatusOK, protocol.SessionPayload{
		SiteURL:    siteURL,
		RESTURL:    siteURL + "/rest",
		Nonce:      nonce,
		User:       user,
		Cookies:    cookie.Name + "=" + cookie.Value,
		DetectedAt: s.clock.Now().UnixMilli(),
	})
}

func positiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
