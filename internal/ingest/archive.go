package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"bundlebridge/internal/services"
)

var riskyExtensions = map[string]struct{}{
	"php": {}, "phtml": {}, "php3": {}, "php4": {}, "php5": {}, "phar": {},
	"exe": {}, "sh": {}, "bat": {},
}

// IsValidArchive reports whether path is a readable ZIP archive: the file
// starts with a ZIP signature and its central directory opens cleanly.
func IsValidArchive(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	head := make([]byte, len(zipLocalHeader))
	n, _ := io.ReadFull(f, head)
	f.Close()
	if !hasZipSignature(head[:n]) {
		return false
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer zr.Close()
	for _, entry := range zr.File {
		if _, err := entry.DataOffset(); err != nil {
			return false
		}
	}
	return true
}

// hasZipSignature reports whether head opens with a local file header or,
// for an archive without entries, the end of central directory record.
func hasZipSignature(head []byte) bool {
	return bytes.HasPrefix(head, zipLocalHeader) || bytes.HasPrefix(head, zipEmptyHeader)
}

// Extract expands the archive at path into a new directory under root named
// job-<id>-<uuid> and returns it. Entries that would land outside the
// directory fail the extraction. The directory is removed on any failure.
func Extract(path, root string, jobID int64) (string, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", stageError(services.ErrConfiguration, "extract", "prepare", ErrExtraction,
			"Could not create extraction directory.", err)
	}
	dir := filepath.Join(root, "job-"+strconv.FormatInt(jobID, 10)+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", stageError(services.ErrConfiguration, "extract", "prepare", ErrExtraction,
			"Could not create extraction directory.", err)
	}
	if err := unzip(path, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", stageError(services.ErrValidation, "extract", "unzip", ErrExtraction,
			fmt.Sprintf("Extraction failed: %s", err.Error()), err)
	}
	return dir, nil
}

func unzip(path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	prefix := filepath.Clean(dir) + string(os.PathSeparator)
	for _, entry := range zr.File {
		target := filepath.Join(dir, entry.Name)
		if !strings.HasPrefix(target, prefix) {
			return fmt.Errorf("entry %q escapes the extraction directory", entry.Name)
		}
		mode := entry.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			continue
		case mode&fs.ModeSymlink != 0:
			return fmt.Errorf("entry %q is a symlink", entry.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := writeEntry(entry, target); err != nil {
			return fmt.Errorf("write %s: %w", entry.Name, err)
		}
	}
	return nil
}

func writeEntry(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ScanForRisk lists files under dir with executable or script extensions.
func ScanForRisk(dir string) ([]string, error) {
	var flagged []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(d.Name()), "."))
		if _, ok := riskyExtensions[ext]; ok {
			flagged = append(flagged, path)
		}
		return nil
	})
	return flagged, err
}
