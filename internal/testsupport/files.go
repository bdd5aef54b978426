package testsupport

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteZip builds a ZIP archive at path holding files keyed by archive name.
// Entries are written in sorted name order.
func WriteZip(t testing.TB, path string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip %s: %v", path, err)
	}
}

// KitFiles returns a minimal template kit: a manifest with two templates.
func KitFiles() map[string]string {
	return map[string]string{
		"manifest.json": `{
  "title": "Agency Kit",
  "minimum_elementor_version": "3.5.0",
  "elementor_pro_required": false,
  "templates": [
    {"name": "Home", "source": "templates/home.json", "type": "page"},
    {"title": "Footer", "file": "templates/footer.json", "type": "footer"}
  ],
  "requirements": {"plugins": [{"name": "Elementor", "file": "elementor/elementor.php"}]}
}`,
		"templates/home.json":   `{"title": "Home", "type": "page", "content": [{"id": "a1"}]}`,
		"templates/footer.json": `{"title": "Footer", "type": "footer", "content": []}`,
		"screenshots/thumbnail.png": "png",
	}
}
