package ingest

import (
	"errors"
	"fmt"

	"bundlebridge/internal/services"
)

// Error kinds reported by the pipeline stages. Match them with errors.Is.
var (
	ErrInvalidURL      = errors.New("invalid download url")
	ErrDownload        = errors.New("download failed")
	ErrHTTPStatus      = errors.New("unexpected http status")
	ErrEmptyBundle     = errors.New("empty bundle")
	ErrHTMLPage        = errors.New("html page instead of bundle")
	ErrNotArchive      = errors.New("not an archive")
	ErrNoUpload        = errors.New("no upload")
	ErrExtraction      = errors.New("extraction failed")
	ErrNoManifest      = errors.New("manifest not found")
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrPluginInactive  = errors.New("rendering plugin inactive")
	ErrCLIUnavailable  = errors.New("cli unavailable")
	ErrCLIFailed       = errors.New("cli import failed")
	ErrNoTemplates     = errors.New("no importable templates")
	ErrEmptyImport     = errors.New("import produced no templates")
	ErrNoBundle        = errors.New("no retained bundle")
)

// stageError tags err with a services marker and an ingest kind. message is
// the sentence stored on the job.
func stageError(marker error, stage, operation string, kind error, message string, cause error) error {
	inner := kind
	if cause != nil {
		inner = fmt.Errorf("%w: %w", kind, cause)
	}
	return services.Wrap(marker, stage, operation, message, inner)
}
