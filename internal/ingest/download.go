package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"bundlebridge/internal/config"
	"bundlebridge/internal/fileutil"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/services"
)

const (
	acceptHeader   = "application/zip, application/octet-stream, */*"
	previewBytes   = 500
	bundleFileMode = 0o600
)

var (
	zipLocalHeader = []byte("PK\x03\x04")
	zipEmptyHeader = []byte("PK\x05\x06")
)

// Downloader stores bundles in the private bundle directory.
type Downloader struct {
	dir       string
	client    *http.Client
	userAgent string
	minBytes  int64
	logger    *slog.Logger
}

// NewDownloader builds a Downloader from the ingest and path settings.
func NewDownloader(cfg *config.Config, logger *slog.Logger) *Downloader {
	timeout := time.Duration(cfg.Ingest.DownloadTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	maxRedirects := cfg.Ingest.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	minBytes := cfg.Ingest.MinBundleBytes
	if minBytes <= 0 {
		minBytes = 100
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Downloader{
		dir:       cfg.Paths.BundleDir,
		client:    client,
		userAgent: cfg.Ingest.UserAgent,
		minBytes:  minBytes,
		logger:    logging.NewComponentLogger(logger, "downloader"),
	}
}

// Dir returns the bundle directory.
func (d *Downloader) Dir() string { return d.dir }

// ValidURL reports whether raw is an absolute http or https URL with a host.
func ValidURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// Download fetches rawURL into a new bundle file and returns its path.
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !ValidURL(rawURL) {
		return "", stageError(services.ErrValidation, "download", "validate url", ErrInvalidURL, "Invalid download URL.", nil)
	}
	if err := d.ensureDir(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", stageError(services.ErrValidation, "download", "build request", ErrInvalidURL, "Invalid download URL.", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", stageError(services.ErrTransient, "download", "request", ErrDownload,
			fmt.Sprintf("Download failed: %s", describeRequestError(err)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", stageError(services.ErrExternalTool, "download", "response", ErrHTTPStatus,
			fmt.Sprintf("Download returned HTTP %d.", resp.StatusCode), nil)
	}
	if err := fileutil.EnsureSpace(d.dir, resp.ContentLength); err != nil {
		return "", stageError(services.ErrConfiguration, "download", "check space", ErrDownload,
			fmt.Sprintf("Download failed: %s", err.Error()), err)
	}

	dest := d.newBundlePath()
	written, err := fileutil.WriteStream(dest, resp.Body, bundleFileMode)
	if err != nil {
		return "", stageError(services.ErrTransient, "download", "stream", ErrDownload,
			fmt.Sprintf("Download failed: %s", describeRequestError(err)), err)
	}
	if err := d.verify(dest, written); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	d.logger.Info("bundle downloaded",
		logging.String("path", dest),
		logging.Int64("bytes", written),
		logging.String(logging.FieldEventType, "bundle_downloaded"),
	)
	return dest, nil
}

// FromUpload stores an uploaded bundle and returns its path. name is only
// used for logging.
func (d *Downloader) FromUpload(r io.Reader, name string) (string, error) {
	if r == nil {
		return "", stageError(services.ErrValidation, "upload", "read", ErrNoUpload, "No file uploaded.", nil)
	}
	if err := d.ensureDir(); err != nil {
		return "", err
	}
	dest := d.newBundlePath()
	written, err := fileutil.WriteStream(dest, r, bundleFileMode)
	if err != nil {
		return "", stageError(services.ErrTransient, "upload", "store", ErrNoUpload, "Could not save uploaded file.", err)
	}
	if written == 0 {
		_ = os.Remove(dest)
		return "", stageError(services.ErrValidation, "upload", "store", ErrNoUpload, "No file uploaded.", nil)
	}
	d.logger.Info("bundle uploaded",
		logging.String("name", strings.TrimSpace(name)),
		logging.String("path", dest),
		logging.Int64("bytes", written),
		logging.String(logging.FieldEventType, "bundle_uploaded"),
	)
	return dest, nil
}

func (d *Downloader) verify(path string, size int64) error {
	if size < d.minBytes {
		return stageError(services.ErrValidation, "download", "verify", ErrEmptyBundle, "Downloaded file is empty or missing.", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return stageError(services.ErrValidation, "download", "verify", ErrEmptyBundle, "Downloaded file is empty or missing.", err)
	}
	defer f.Close()

	head := make([]byte, previewBytes)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if hasZipSignature(head) {
		return nil
	}
	if looksLikeHTML(head) {
		return stageError(services.ErrExternalTool, "download", "verify", ErrHTMLPage,
			"The download returned an HTML page instead of a ZIP file. The download link may have expired.", nil)
	}
	return stageError(services.ErrValidation, "download", "verify", ErrNotArchive,
		"The downloaded file is not a valid ZIP archive (invalid file header).", nil)
}

func looksLikeHTML(preview []byte) bool {
	lower := bytes.ToLower(preview)
	return bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype"))
}

func describeRequestError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func (d *Downloader) ensureDir() error {
	if strings.TrimSpace(d.dir) == "" {
		return services.Wrap(services.ErrConfiguration, "download", "prepare", "Bundle directory is not configured.", nil)
	}
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return services.Wrap(services.ErrConfiguration, "download", "prepare", "Could not create the bundle directory.", err)
	}
	return nil
}

func (d *Downloader) newBundlePath() string {
	return filepath.Join(d.dir, "bk-"+uuid.NewString()+".zip")
}
