package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
	"bundlebridge/internal/fileutil"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/services"
)

// Bulk actions.
const (
	BulkDelete   = "delete"
	BulkReimport = "reimport"
)

// Notifier receives job outcomes.
type Notifier interface {
	NotifyImportCompleted(ctx context.Context, title string, templates int) error
	NotifyImportFailed(ctx context.Context, title, message string) error
}

// SelectOptions tunes ImportSelected.
type SelectOptions struct {
	CreatePages bool
}

// SelectedTemplate is one template imported by ImportSelected.
type SelectedTemplate struct {
	Index      int
	Title      string
	TemplateID int64
}

// CreatedPage is a draft page made from an imported template.
type CreatedPage struct {
	Title  string
	PageID int64
}

// SelectionResult reports the outcome of ImportSelected.
type SelectionResult struct {
	Imported     []SelectedTemplate
	CreatedPages []CreatedPage
	Errors       []string
}

// Pipeline runs jobs through download, extraction and import, recording
// every step on the job.
type Pipeline struct {
	store       *jobs.Store
	downloader  *Downloader
	importer    *Importer
	platform    Platform
	extractRoot string
	keepBundle  bool
	autoImport  bool
	notifier    Notifier
	clock       clock.Clock
	logger      *slog.Logger
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithNotifier reports job outcomes to n.
func WithNotifier(n Notifier) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

// WithPipelineClock overrides the clock used for scheduling.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// NewPipeline wires the ingest stages to store.
func NewPipeline(cfg *config.Config, store *jobs.Store, downloader *Downloader, importer *Importer, platform Platform, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		downloader:  downloader,
		importer:    importer,
		platform:    platform,
		extractRoot: cfg.Paths.ExtractDir,
		keepBundle:  cfg.Ingest.KeepBundle,
		autoImport:  cfg.Ingest.AutoImport,
		clock:       clock.Real{},
		logger:      logging.NewComponentLogger(logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AutoImport reports whether bundles are imported on receipt.
func (p *Pipeline) AutoImport() bool { return p.autoImport }

// Importer exposes the configured importer.
func (p *Pipeline) Importer() *Importer { return p.importer }

// Downloader exposes the configured downloader.
func (p *Pipeline) Downloader() *Downloader { return p.downloader }

// Store exposes the job store.
func (p *Pipeline) Store() *jobs.Store { return p.store }

// Run processes a job from whatever it has: a retained bundle, otherwise its
// download URL.
func (p *Pipeline) Run(ctx context.Context, id int64) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bundleExists(job) {
		return p.Process(ctx, id)
	}
	if strings.TrimSpace(job.DownloadURL) != "" {
		return p.ProcessFromURL(ctx, id)
	}
	return stageError(services.ErrValidation, "pipeline", "run", ErrNoBundle,
		"No bundle or download URL to import from.", nil)
}

// Process handles a job's retained bundle under the import policy.
func (p *Pipeline) Process(ctx context.Context, id int64) error {
	if p.autoImport {
		return p.ProcessBundle(ctx, id)
	}
	return p.PrepareBundle(ctx, id)
}

// ProcessFromURL downloads the job's bundle and processes it under the
// import policy.
func (p *Pipeline) ProcessFromURL(ctx context.Context, id int64) error {
	ctx = services.WithJobID(ctx, id)
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Transition(ctx, id, jobs.StatusDownloading, "Starting download from URL."); err != nil {
		return err
	}
	path, err := p.downloader.Download(services.WithStage(ctx, "download"), job.DownloadURL)
	if err != nil {
		return p.fail(ctx, job, err)
	}
	if err := p.store.SetBundlePath(ctx, id, path); err != nil {
		_ = os.Remove(path)
		return p.fail(ctx, job, err)
	}
	if err := p.store.AppendLog(ctx, id, "Download complete: "+filepath.Base(path)); err != nil {
		return err
	}
	return p.Process(ctx, id)
}

// AttachUpload stores an uploaded bundle on the job, replacing any earlier
// one, and processes it under the import policy.
func (p *Pipeline) AttachUpload(ctx context.Context, id int64, path string) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	if job.Status.Processing() {
		_ = os.Remove(path)
		return &jobs.TransitionError{ID: id, From: job.Status, To: jobs.StatusExtracting}
	}
	if job.Status != jobs.StatusPending {
		if err := p.store.Reset(ctx, id, "Bundle uploaded; status reset to pending.", true); err != nil {
			return err
		}
	}
	if job.HasBundle() && job.BundlePath != path {
		_ = os.Remove(job.BundlePath)
	}
	if err := p.store.SetBundlePath(ctx, id, path); err != nil {
		return err
	}
	if err := p.store.AppendLog(ctx, id, "Bundle uploaded: "+filepath.Base(path)); err != nil {
		return err
	}
	return p.Process(ctx, id)
}

// ProcessBundle validates, extracts and imports the job's retained bundle.
func (p *Pipeline) ProcessBundle(ctx context.Context, id int64) error {
	ctx = services.WithJobID(ctx, id)
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.validateBundle(job); err != nil {
		return p.fail(ctx, job, err)
	}
	if err := p.store.Transition(ctx, id, jobs.StatusExtracting, "Extracting ZIP archive."); err != nil {
		return err
	}
	dir, err := Extract(job.BundlePath, p.extractRoot, id)
	if err != nil {
		return p.fail(ctx, job, err)
	}
	defer p.removeExtraction(dir)
	if err := p.store.AppendLog(ctx, id, "Extraction complete."); err != nil {
		return err
	}
	p.logRisk(ctx, id, dir)

	manifest, err := ParseManifest(dir)
	if err != nil {
		p.logManifestMiss(ctx, id, err, "Attempting direct import.")
		manifest = nil
	} else if err := p.storeManifest(ctx, id, manifest, "Manifest parsed"); err != nil {
		return p.fail(ctx, job, err)
	}
	p.storeThumbnail(ctx, id, dir)

	if err := p.store.Transition(ctx, id, jobs.StatusImporting, "Starting template import."); err != nil {
		return err
	}
	result, err := p.importer.ImportAll(services.WithStage(ctx, "import"), ImportRequest{
		JobID:      id,
		BundlePath: job.BundlePath,
		Dir:        dir,
		Manifest:   manifest,
		Log:        func(line string) { _ = p.store.AppendLog(ctx, id, line) },
	})
	if err != nil {
		return p.fail(ctx, job, err)
	}
	if err := p.store.AddTemplateIDs(ctx, id, result.TemplateIDs); err != nil {
		return p.fail(ctx, job, err)
	}
	if result.Marker != "" {
		if err := p.store.SetMeta(ctx, id, jobs.FieldImportMarker, result.Marker); err != nil {
			return p.fail(ctx, job, err)
		}
	}
	count := result.Count()
	if err := p.store.Complete(ctx, id, fmt.Sprintf("Import complete! %d template(s) imported.", count)); err != nil {
		return err
	}
	if !p.keepBundle {
		p.dropBundle(ctx, job)
	}
	p.logger.Info("import complete",
		logging.Int64(logging.FieldJobID, id),
		logging.String("strategy", result.Strategy),
		logging.Int("templates", count),
		logging.String(logging.FieldEventType, "import_complete"),
	)
	p.notifyCompleted(ctx, job.Title, count)
	return nil
}

// PrepareBundle analyses the job's bundle without importing it: the
// manifest (or one synthesized by scanning), dependencies and thumbnail are
// stored and the job returns to pending for a selective import.
func (p *Pipeline) PrepareBundle(ctx context.Context, id int64) error {
	ctx = services.WithJobID(ctx, id)
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.validateBundle(job); err != nil {
		return p.fail(ctx, job, err)
	}
	if err := p.store.Transition(ctx, id, jobs.StatusExtracting, "Extracting ZIP archive for analysis."); err != nil {
		return err
	}
	dir, err := Extract(job.BundlePath, p.extractRoot, id)
	if err != nil {
		return p.fail(ctx, job, err)
	}
	defer p.removeExtraction(dir)
	if err := p.store.AppendLog(ctx, id, "Extraction complete."); err != nil {
		return err
	}
	p.logRisk(ctx, id, dir)

	manifest, err := ParseManifest(dir)
	if err != nil {
		p.logManifestMiss(ctx, id, err, "Scanning for template files.")
		manifest, err = SynthesizeManifest(dir, job.Title)
		if err != nil {
			return p.fail(ctx, job, err)
		}
		if manifest == nil {
			_ = p.store.AppendLog(ctx, id, "No template files found in ZIP.")
		} else {
			_ = p.store.AppendLog(ctx, id, fmt.Sprintf("Found %d template file(s) by scanning.", len(manifest.Templates)))
		}
	}
	if manifest != nil {
		if err := p.storeManifest(ctx, id, manifest, "Manifest stored"); err != nil {
			return p.fail(ctx, job, err)
		}
	}
	p.storeThumbnail(ctx, id, dir)
	return p.store.Reset(ctx, id, "Kit ready for setup. Choose the templates to import.", true)
}

// ImportSelected imports only the templates at indices from the job's
// retained bundle. Ids recorded for other indices are kept.
func (p *Pipeline) ImportSelected(ctx context.Context, id int64, indices []int, opts SelectOptions) (*SelectionResult, error) {
	ctx = services.WithJobID(ctx, id)
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	indices = uniqueSorted(indices)
	if len(indices) == 0 {
		return nil, services.Wrap(services.ErrValidation, "import", "select", "No templates selected.", nil)
	}
	if job.Status.Processing() {
		return nil, &jobs.TransitionError{ID: id, From: job.Status, To: jobs.StatusImporting}
	}
	if !bundleExists(job) {
		return nil, stageError(services.ErrNotFound, "import", "select", ErrNoBundle,
			"The bundle file is no longer available. Re-import the kit first.", nil)
	}
	if !p.importer.PlatformActive() {
		return nil, stageError(services.ErrConfiguration, "import", "check platform", ErrPluginInactive,
			"The rendering plugin is not active.", nil)
	}

	var stored Manifest
	hasStored, err := p.store.Meta(ctx, id, jobs.FieldManifest, &stored)
	if err != nil {
		return nil, err
	}
	dir, err := Extract(job.BundlePath, p.extractRoot, id)
	if err != nil {
		return nil, p.failSelection(ctx, job, err)
	}
	defer p.removeExtraction(dir)

	manifest, err := p.selectionManifest(dir, job.Title, hasStored, &stored)
	if err != nil {
		return nil, p.failSelection(ctx, job, err)
	}

	result := &SelectionResult{Imported: []SelectedTemplate{}, CreatedPages: []CreatedPage{}, Errors: []string{}}
	files := make([]TemplateFile, 0, len(indices))
	inRange := 0
	for _, index := range indices {
		if index < 0 || index >= len(manifest.Templates) {
			result.Errors = append(result.Errors, fmt.Sprintf("Template index %d is out of range.", index))
			continue
		}
		inRange++
		file, ok := resolveDescriptor(manifest.BaseDir, index, manifest.Templates[index])
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("Template file for %q is missing.", manifest.Templates[index].Title))
			continue
		}
		files = append(files, file)
	}
	if inRange == 0 {
		return nil, services.Wrap(services.ErrValidation, "import", "select",
			fmt.Sprintf("No selected template exists; the kit has %d template(s).", len(manifest.Templates)), nil)
	}

	if err := p.resetForSelection(ctx, job); err != nil {
		return nil, err
	}
	if err := p.store.Transition(ctx, id, jobs.StatusExtracting, "Bundle re-extracted for selective import."); err != nil {
		return nil, err
	}
	if err := p.store.Transition(ctx, id, jobs.StatusImporting,
		fmt.Sprintf("Importing %d selected template(s).", len(files))); err != nil {
		return nil, err
	}
	ids, failures := p.importer.ImportFiles(services.WithStage(ctx, "import"), id, dir, files)
	for _, failure := range failures {
		result.Errors = append(result.Errors, failure.Error())
	}
	for _, file := range files {
		tid, ok := ids[file.Index]
		if !ok {
			continue
		}
		result.Imported = append(result.Imported, SelectedTemplate{Index: file.Index, Title: file.Title, TemplateID: tid})
		if !opts.CreatePages {
			continue
		}
		pageID, err := p.platform.CreatePage(ctx, tid, file.Title)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Could not create page for %q: %v", file.Title, err))
			continue
		}
		result.CreatedPages = append(result.CreatedPages, CreatedPage{Title: file.Title, PageID: pageID})
	}

	if err := p.store.AddTemplateIDs(ctx, id, ids); err != nil {
		return result, p.fail(ctx, job, err)
	}
	if len(ids) == 0 {
		err := stageError(services.ErrExternalTool, "import", "select", ErrEmptyImport,
			"Import completed but no templates were created.", errors.Join(failures...))
		return result, p.fail(ctx, job, err)
	}
	message := fmt.Sprintf("Selective import complete: %d template(s) imported.", len(ids))
	if len(result.CreatedPages) > 0 {
		message += fmt.Sprintf(" %d page(s) created.", len(result.CreatedPages))
	}
	if err := p.store.Complete(ctx, id, message); err != nil {
		return result, err
	}
	p.notifyCompleted(ctx, job.Title, len(ids))
	return result, nil
}

func (p *Pipeline) resetForSelection(ctx context.Context, job *jobs.Job) error {
	if job.Status == jobs.StatusPending {
		return nil
	}
	return p.store.Reset(ctx, job.ID, "Selective import requested.", true)
}

// failSelection records a selective import that broke before any template
// was touched.
func (p *Pipeline) failSelection(ctx context.Context, job *jobs.Job, err error) error {
	if resetErr := p.resetForSelection(ctx, job); resetErr != nil {
		return resetErr
	}
	return p.fail(ctx, job, err)
}

func (p *Pipeline) selectionManifest(dir, title string, hasStored bool, stored *Manifest) (*Manifest, error) {
	parsed, parseErr := ParseManifest(dir)
	if hasStored {
		stored.BaseDir = dir
		if parseErr == nil && !stored.Synthetic {
			stored.BaseDir = parsed.BaseDir
		}
		return stored, nil
	}
	if parseErr == nil {
		return parsed, nil
	}
	synth, err := SynthesizeManifest(dir, title)
	if err != nil {
		return nil, err
	}
	if synth == nil {
		return nil, stageError(services.ErrValidation, "import", "select", ErrNoTemplates,
			"No importable template files found.", nil)
	}
	return synth, nil
}

// Reimport resets a job and imports it again from its retained bundle, or
// from its download URL when the bundle is gone.
func (p *Pipeline) Reimport(ctx context.Context, id int64) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Processing() {
		return &jobs.TransitionError{ID: id, From: job.Status, To: jobs.StatusPending}
	}
	switch {
	case bundleExists(job):
		if err := p.store.Reset(ctx, id, "Re-import requested.", true); err != nil {
			return err
		}
		return p.ProcessBundle(ctx, id)
	case strings.TrimSpace(job.DownloadURL) != "":
		if err := p.store.Reset(ctx, id, "Re-import requested; downloading again.", true); err != nil {
			return err
		}
		return p.ProcessFromURL(ctx, id)
	default:
		return stageError(services.ErrValidation, "pipeline", "reimport", ErrNoBundle,
			"No bundle or download URL to re-import from.", nil)
	}
}

// Reset returns a job to pending and clears its error.
func (p *Pipeline) Reset(ctx context.Context, id int64) error {
	return p.store.Reset(ctx, id, "", true)
}

// Delete removes a job, its retained bundle and its thumbnail.
func (p *Pipeline) Delete(ctx context.Context, id int64) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var thumb string
	if ok, _ := p.store.Meta(ctx, id, jobs.FieldThumbnail, &thumb); ok && thumb != "" {
		_ = os.Remove(thumb)
	}
	if job.HasBundle() {
		if err := os.Remove(job.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove bundle failed", logging.Int64(logging.FieldJobID, id), logging.Error(err))
		}
	}
	return p.store.Delete(ctx, id)
}

// ResetFailed resets every failed job and schedules those holding a bundle
// or download URL, one second apart. It returns the number reset.
func (p *Pipeline) ResetFailed(ctx context.Context) (int, error) {
	ids, err := p.store.IDsByStatus(ctx, jobs.StatusFailed)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := p.store.Reset(ctx, id, "", true); err != nil {
			return count, err
		}
		if err := p.scheduleIfRunnable(ctx, id, count); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Bulk applies action to each id and returns how many jobs it touched.
// Missing ids are skipped.
func (p *Pipeline) Bulk(ctx context.Context, action string, ids []int64) (int, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != BulkDelete && action != BulkReimport {
		return 0, services.Wrap(services.ErrValidation, "pipeline", "bulk", "Unknown bulk action "+strconv.Quote(action)+".", nil)
	}
	if len(ids) == 0 {
		return 0, services.Wrap(services.ErrValidation, "pipeline", "bulk", "No jobs selected.", nil)
	}
	count := 0
	for _, id := range ids {
		var err error
		switch action {
		case BulkDelete:
			err = p.Delete(ctx, id)
		case BulkReimport:
			err = p.queueReimport(ctx, id, count)
		}
		if errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (p *Pipeline) queueReimport(ctx context.Context, id int64, offset int) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Processing() {
		return &jobs.TransitionError{ID: id, From: job.Status, To: jobs.StatusPending}
	}
	if err := p.store.Reset(ctx, id, "Bulk re-import queued by admin.", true); err != nil {
		return err
	}
	return p.scheduleIfRunnable(ctx, id, offset)
}

func (p *Pipeline) scheduleIfRunnable(ctx context.Context, id int64, offset int) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !bundleExists(job) && strings.TrimSpace(job.DownloadURL) == "" {
		return nil
	}
	return p.store.Schedule(ctx, id, p.clock.Now().Add(time.Duration(offset)*time.Second))
}

func (p *Pipeline) validateBundle(job *jobs.Job) error {
	if !bundleExists(job) {
		return stageError(services.ErrNotFound, "validate", "bundle", ErrNoBundle,
			"No bundle file is recorded for this job.", nil)
	}
	if !IsValidArchive(job.BundlePath) {
		return stageError(services.ErrValidation, "validate", "bundle", ErrNotArchive,
			"File is not a valid ZIP archive.", nil)
	}
	return nil
}

func (p *Pipeline) storeManifest(ctx context.Context, id int64, m *Manifest, verb string) error {
	if err := p.store.SetMeta(ctx, id, jobs.FieldManifest, m); err != nil {
		return err
	}
	name := m.Name
	if name == "" {
		name = "unnamed"
	}
	if err := p.store.AppendLog(ctx, id, fmt.Sprintf("%s: %s (%d templates).", verb, name, len(m.Templates))); err != nil {
		return err
	}
	return p.store.SetMeta(ctx, id, jobs.FieldDependencies, ExtractDependencies(m))
}

func (p *Pipeline) logManifestMiss(ctx context.Context, id int64, err error, next string) {
	if errors.Is(err, ErrNoManifest) {
		_ = p.store.AppendLog(ctx, id, "No manifest.json found. "+next)
		return
	}
	_ = p.store.AppendLog(ctx, id, services.UserMessage(err)+" "+next)
}

func (p *Pipeline) logRisk(ctx context.Context, id int64, dir string) {
	flagged, err := ScanForRisk(dir)
	if err != nil {
		p.logger.Warn("risk scan failed", logging.Int64(logging.FieldJobID, id), logging.Error(err))
		return
	}
	if len(flagged) == 0 {
		return
	}
	names := make([]string, 0, len(flagged))
	for _, path := range flagged {
		names = append(names, filepath.Base(path))
	}
	_ = p.store.AppendLog(ctx, id, fmt.Sprintf("WARNING: Found %d suspicious file(s): %s", len(flagged), strings.Join(names, ", ")))
	logging.WarnWithContext(p.logger, "bundle contains executable files", "risk_scan",
		logging.Int64(logging.FieldJobID, id),
		logging.Int("count", len(flagged)),
		logging.String(logging.FieldErrorHint, "inspect the bundle before publishing its templates"),
		logging.String(logging.FieldImpact, "import continues; the files are not executed"),
	)
}

// storeThumbnail copies the bundle's thumbnail next to the bundles, since
// the extraction directory does not outlive the run.
func (p *Pipeline) storeThumbnail(ctx context.Context, id int64, dir string) {
	src := FindThumbnail(dir)
	if src == "" {
		return
	}
	dst := filepath.Join(p.downloader.Dir(), "thumb-"+strconv.FormatInt(id, 10)+strings.ToLower(filepath.Ext(src)))
	if err := fileutil.CopyFileMode(src, dst, 0o600); err != nil {
		p.logger.Warn("store thumbnail failed", logging.Int64(logging.FieldJobID, id), logging.Error(err))
		return
	}
	if err := p.store.SetMeta(ctx, id, jobs.FieldThumbnail, dst); err != nil {
		p.logger.Warn("record thumbnail failed", logging.Int64(logging.FieldJobID, id), logging.Error(err))
	}
}

func (p *Pipeline) dropBundle(ctx context.Context, job *jobs.Job) {
	if err := os.Remove(job.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("remove bundle failed", logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
		return
	}
	_ = p.store.SetBundlePath(ctx, job.ID, "")
}

func (p *Pipeline) removeExtraction(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("remove extraction failed", logging.String("dir", dir), logging.Error(err))
	}
}

// fail records err on the job and returns it.
func (p *Pipeline) fail(ctx context.Context, job *jobs.Job, err error) error {
	message := services.UserMessage(err)
	if storeErr := p.store.Fail(ctx, job.ID, message); storeErr != nil {
		p.logger.Error("record job failure", logging.Int64(logging.FieldJobID, job.ID), logging.Error(storeErr))
	}
	logging.ErrorWithContext(logging.WithContext(ctx, p.logger), "import job failed", "import_failed",
		logging.String("title", job.Title),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "reset or re-import the job once the cause is fixed"),
	)
	p.notifyFailed(ctx, job.Title, message)
	return err
}

func (p *Pipeline) notifyCompleted(ctx context.Context, title string, templates int) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyImportCompleted(ctx, title, templates); err != nil {
		p.logger.Debug("completion notification failed", logging.Error(err))
	}
}

func (p *Pipeline) notifyFailed(ctx context.Context, title, message string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyImportFailed(ctx, title, message); err != nil {
		p.logger.Debug("failure notification failed", logging.Error(err))
	}
}

func bundleExists(job *jobs.Job) bool {
	if !job.HasBundle() {
		return false
	}
	info, err := os.Stat(job.BundlePath)
	return err == nil && info.Mode().IsRegular()
}

func uniqueSorted(values []int) []int {
	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
