package ingest

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bundlebridge/internal/testsupport"
)

func TestIsValidArchive(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "kit.zip")
	testsupport.WriteZip(t, good, testsupport.KitFiles())
	if !IsValidArchive(good) {
		t.Fatal("expected kit bundle to be valid")
	}

	text := filepath.Join(dir, "notes.zip")
	if err := os.WriteFile(text, []byte("just some text, not a zip"), 0o600); err != nil {
		t.Fatal(err)
	}
	if IsValidArchive(text) {
		t.Fatal("text file must not be a valid archive")
	}

	truncated := filepath.Join(dir, "truncated.zip")
	data, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(truncated, data[:len(data)/2], 0o600); err != nil {
		t.Fatal(err)
	}
	if IsValidArchive(truncated) {
		t.Fatal("truncated archive must not be valid")
	}

	if IsValidArchive(filepath.Join(dir, "missing.zip")) {
		t.Fatal("missing file must not be valid")
	}
}

func TestArchiveChecksAgreeOnEmptyArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := zip.NewWriter(f).Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !hasZipSignature(data) {
		t.Fatalf("download check rejects empty archive header % x", data[:4])
	}
	if !IsValidArchive(path) {
		t.Fatal("IsValidArchive must accept what the download check accepts")
	}
	if hasZipSignature([]byte("<!DOCTYPE html>")) {
		t.Fatal("html must not carry a zip signature")
	}
}

func TestExtractCreatesPrivateJobDirectory(t *testing.T) {
	base := t.TempDir()
	bundle := filepath.Join(base, "kit.zip")
	testsupport.WriteZip(t, bundle, testsupport.KitFiles())
	root := filepath.Join(base, "extract")

	dir, err := Extract(bundle, root, 7)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(dir), "job-7-") {
		t.Fatalf("unexpected extraction dir %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "templates", "home.json")); err != nil {
		t.Fatalf("expected nested template extracted: %v", err)
	}

	second, err := Extract(bundle, root, 7)
	if err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	if second == dir {
		t.Fatal("each extraction must get a fresh directory")
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	base := t.TempDir()
	bundle := filepath.Join(base, "evil.zip")
	testsupport.WriteZip(t, bundle, map[string]string{
		"manifest.json":  `{"templates": []}`,
		"../../evil.txt": "owned",
	})
	root := filepath.Join(base, "extract")

	_, err := Extract(bundle, root, 3)
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if entries := dirEntries(t, root); len(entries) != 0 {
		t.Fatalf("partial extraction left behind: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(base, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("escaping entry was written: %v", err)
	}
}

func TestScanForRiskFlagsScripts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"templates/home.json", "install.PHP", "tools/run.sh", "readme.txt", "setup.exe"} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	flagged, err := ScanForRisk(dir)
	if err != nil {
		t.Fatalf("ScanForRisk: %v", err)
	}
	var names []string
	for _, path := range flagged {
		names = append(names, filepath.Base(path))
	}
	want := []string{"install.PHP", "setup.exe", "run.sh"}
	if len(names) != len(want) {
		t.Fatalf("flagged %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("flagged %v, want %v", names, want)
		}
	}
}
