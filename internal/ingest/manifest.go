package ingest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"bundlebridge/internal/services"
)

// ManifestFile is the bundle manifest file name.
const ManifestFile = "manifest.json"

const defaultTemplateType = "page"

// Manifest describes a bundle. Every field is optional.
type Manifest struct {
	Name               string               `json:"name,omitempty"`
	Templates          []TemplateDescriptor `json:"templates"`
	Theme              string               `json:"theme,omitempty"`
	MinPlatformVersion string               `json:"minPlatformVersion,omitempty"`
	ProRequired        bool                 `json:"proRequired,omitempty"`
	GlobalColors       []GlobalColor        `json:"globalColors,omitempty"`
	Requirements       json.RawMessage      `json:"requirements,omitempty"`
	// Synthetic marks manifests built by scanning a bundle without one.
	Synthetic bool `json:"synthetic,omitempty"`
	// BaseDir is the directory template sources resolve against. It points
	// into a temporary extraction and is never persisted.
	BaseDir string `json:"-"`
}

// TemplateDescriptor is one template entry of a manifest.
type TemplateDescriptor struct {
	Title     string `json:"title"`
	Type      string `json:"type,omitempty"`
	Source    string `json:"source"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// GlobalColor is a kit-wide colour preset.
type GlobalColor struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Color string `json:"color"`
}

// Dependencies lists what a bundle needs on the platform.
type Dependencies map[string]any

// TemplateFile is a template resolved to a file on disk.
type TemplateFile struct {
	Index int
	Title string
	Type  string
	Path  string
}

// ParseManifest reads manifest.json from dir or from one of its immediate
// subdirectories. It returns ErrNoManifest when neither holds one.
func ParseManifest(dir string) (*Manifest, error) {
	path, err := locateManifest(dir)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, stageError(services.ErrValidation, "manifest", "read", ErrInvalidManifest, "Could not read manifest.json.", err)
	}
	manifest, err := DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	manifest.BaseDir = filepath.Dir(path)
	return manifest, nil
}

func locateManifest(dir string) (string, error) {
	direct := filepath.Join(dir, ManifestFile)
	if isFile(direct) {
		return direct, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", stageError(services.ErrValidation, "manifest", "locate", ErrNoManifest, "No manifest.json found in the archive.", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name(), ManifestFile)
		if isFile(candidate) {
			return candidate, nil
		}
	}
	return "", stageError(services.ErrValidation, "manifest", "locate", ErrNoManifest, "No manifest.json found in the archive.", nil)
}

// DecodeManifest parses manifest JSON. Platform-specific keys are matched by
// shape: minimum_<x>_version and <x>_pro_required.
func DecodeManifest(raw []byte) (*Manifest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, stageError(services.ErrValidation, "manifest", "parse", ErrInvalidManifest, "Invalid manifest.json.", nil)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, stageError(services.ErrValidation, "manifest", "parse", ErrInvalidManifest, "Invalid manifest.json.", nil)
	}

	m := &Manifest{
		Name:      firstString(root, "name", "title"),
		Templates: []TemplateDescriptor{},
	}
	root.Get("templates").ForEach(func(_, entry gjson.Result) bool {
		m.Templates = append(m.Templates, TemplateDescriptor{
			Title:     firstString(entry, "title", "name"),
			Type:      strings.TrimSpace(entry.Get("type").String()),
			Source:    firstString(entry, "source", "file"),
			Thumbnail: strings.TrimSpace(entry.Get("thumbnail").String()),
		})
		return true
	})
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		switch {
		case strings.HasPrefix(name, "minimum_") && strings.HasSuffix(name, "_version"):
			if m.MinPlatformVersion == "" {
				m.MinPlatformVersion = strings.TrimSpace(value.String())
			}
		case strings.HasSuffix(name, "_pro_required"):
			m.ProRequired = m.ProRequired || value.Bool()
		}
		return true
	})
	if theme := root.Get("theme"); theme.Exists() {
		if theme.IsObject() {
			m.Theme = firstString(theme, "name", "slug")
		} else {
			m.Theme = strings.TrimSpace(theme.String())
		}
	}
	root.Get("global_colors").ForEach(func(_, entry gjson.Result) bool {
		m.GlobalColors = append(m.GlobalColors, GlobalColor{
			ID:    entry.Get("_id").String(),
			Title: entry.Get("title").String(),
			Color: entry.Get("color").String(),
		})
		return true
	})
	if req := root.Get("requirements"); req.Exists() && (req.IsObject() || req.IsArray()) {
		m.Requirements = json.RawMessage(req.Raw)
	}
	return m, nil
}

func firstString(r gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(r.Get(key).String()); v != "" {
			return v
		}
	}
	return ""
}

// ScanTemplates finds template-shaped JSON files under dir in sorted path
// order. A file qualifies when it is a JSON object with a content or type
// field. Sources are relative to dir.
func ScanTemplates(dir string) ([]TemplateDescriptor, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".json") || d.Name() == ManifestFile {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan templates: %w", err)
	}
	sort.Strings(paths)

	found := make([]TemplateDescriptor, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil || !gjson.ValidBytes(raw) {
			continue
		}
		doc := gjson.ParseBytes(raw)
		if !doc.IsObject() || (!doc.Get("content").Exists() && !doc.Get("type").Exists()) {
			continue
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			continue
		}
		title := strings.TrimSpace(doc.Get("title").String())
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		kind := strings.TrimSpace(doc.Get("type").String())
		if kind == "" {
			kind = defaultTemplateType
		}
		found = append(found, TemplateDescriptor{
			Title:  title,
			Type:   kind,
			Source: filepath.ToSlash(rel),
		})
	}
	return found, nil
}

// SynthesizeManifest builds a manifest from the templates found by scanning
// dir. It returns nil when the directory holds no templates.
func SynthesizeManifest(dir, name string) (*Manifest, error) {
	templates, err := ScanTemplates(dir)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, nil
	}
	return &Manifest{
		Name:      strings.TrimSpace(name),
		Templates: templates,
		Synthetic: true,
		BaseDir:   dir,
	}, nil
}

// ExtractDependencies collects platform requirements from a manifest.
func ExtractDependencies(m *Manifest) Dependencies {
	deps := Dependencies{}
	if m == nil {
		return deps
	}
	if len(m.Requirements) > 0 {
		req := gjson.ParseBytes(m.Requirements)
		if req.IsObject() {
			if values, ok := req.Value().(map[string]any); ok {
				for k, v := range values {
					deps[k] = v
				}
			}
		} else {
			deps["requirements"] = req.Value()
		}
	}
	if m.MinPlatformVersion != "" {
		deps["min_platform_version"] = m.MinPlatformVersion
	}
	if m.ProRequired {
		deps["pro_required"] = true
	}
	if m.Theme != "" {
		deps["theme"] = m.Theme
	}
	return deps
}

var thumbnailNames = map[string]struct{}{"thumbnail": {}, "preview": {}, "screenshot": {}}

var thumbnailExts = map[string]struct{}{".jpg": {}, ".jpeg": {}, ".png": {}}

// FindThumbnail returns the first thumbnail, preview or screenshot image
// under dir in sorted path order, or "" when there is none.
func FindThumbnail(dir string) string {
	var found string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := thumbnailExts[ext]; !ok {
			return nil
		}
		stem := strings.ToLower(strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())))
		if _, ok := thumbnailNames[stem]; !ok {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	return found
}

// ResolveTemplates maps manifest entries to files under the manifest's
// BaseDir (or dir). Entries whose file is missing are skipped. Without a
// manifest, or when no entry resolves, dir is scanned instead.
func ResolveTemplates(dir string, m *Manifest) ([]TemplateFile, error) {
	var files []TemplateFile
	if m != nil && len(m.Templates) > 0 {
		base := m.BaseDir
		if base == "" {
			base = dir
		}
		for i, t := range m.Templates {
			if file, ok := resolveDescriptor(base, i, t); ok {
				files = append(files, file)
			}
		}
	}
	if len(files) > 0 {
		return files, nil
	}
	scanned, err := ScanTemplates(dir)
	if err != nil {
		return nil, err
	}
	for i, t := range scanned {
		if file, ok := resolveDescriptor(dir, i, t); ok {
			files = append(files, file)
		}
	}
	return files, nil
}

func resolveDescriptor(base string, index int, t TemplateDescriptor) (TemplateFile, bool) {
	source := strings.TrimSpace(t.Source)
	if source == "" {
		return TemplateFile{}, false
	}
	path := filepath.Join(base, filepath.FromSlash(source))
	if !strings.HasPrefix(path, filepath.Clean(base)+string(os.PathSeparator)) || !isFile(path) {
		return TemplateFile{}, false
	}
	title := t.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	kind := t.Type
	if kind == "" {
		kind = defaultTemplateType
	}
	return TemplateFile{Index: index, Title: title, Type: kind, Path: path}, true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
