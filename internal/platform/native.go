// Package platform implements the content platform's native import routine
// on top of the library tables of the job store.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bundlebridge/internal/config"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
)

// Info describes the platform for connection status reports.
type Info struct {
	SiteName      string
	SiteURL       string
	Version       string
	PluginActive  bool
	PluginVersion string
	Pro           bool
}

// Native stores imported templates and draft pages in the job database.
type Native struct {
	store  *jobs.Store
	info   Info
	logger *slog.Logger
}

var _ ingest.Platform = (*Native)(nil)

// New builds a Native platform from the platform settings.
func New(cfg *config.Config, store *jobs.Store, logger *slog.Logger) *Native {
	return &Native{
		store: store,
		info: Info{
			SiteName:      cfg.Platform.SiteName,
			SiteURL:       cfg.Platform.SiteURL,
			Version:       cfg.Platform.Version,
			PluginActive:  cfg.Platform.RenderingPlugin,
			PluginVersion: cfg.Platform.RenderingPluginVersion,
			Pro:           cfg.Platform.ProPlugin,
		},
		logger: logging.NewComponentLogger(logger, "platform"),
	}
}

// Info returns the configured platform description.
func (n *Native) Info() Info { return n.info }

// Active reports whether the rendering plugin is enabled.
func (n *Native) Active() bool { return n.info.PluginActive }

// ImportTemplate stores one template and returns its library id.
func (n *Native) ImportTemplate(ctx context.Context, in ingest.TemplateImport) (int64, error) {
	if len(in.Content) == 0 {
		return 0, fmt.Errorf("template %q has no content", in.Title)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = fmt.Sprintf("Template %d", in.Index+1)
	}
	id, err := n.store.InsertLibraryTemplate(ctx, jobs.LibraryTemplate{
		JobID:      in.JobID,
		Title:      title,
		Type:       in.Type,
		SourceFile: in.Source,
		Content:    string(in.Content),
	})
	if err != nil {
		return 0, err
	}
	n.logger.Debug("template stored",
		logging.Int64(logging.FieldJobID, in.JobID),
		logging.Int("index", in.Index),
		logging.Int64("template_id", id),
		logging.String("type", in.Type),
	)
	return id, nil
}

// CreatePage copies a stored template onto a new draft page.
func (n *Native) CreatePage(ctx context.Context, templateID int64, title string) (int64, error) {
	page, err := n.store.InsertLibraryPage(ctx, templateID, title)
	if err != nil {
		return 0, err
	}
	return page.ID, nil
}

// LibraryCount returns the number of stored templates.
func (n *Native) LibraryCount(ctx context.Context) (int, error) {
	return n.store.CountLibraryTemplates(ctx)
}
