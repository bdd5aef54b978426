package ingest

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"bundlebridge/internal/config"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/testsupport"
)

type scriptedRunner struct {
	calls   [][]string
	outputs []string
	errs    []error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args []string) ([]byte, error) {
	i := len(r.calls)
	r.calls = append(r.calls, append([]string{name}, args...))
	var out string
	var err error
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return []byte(out), err
}

func cliConfig(t *testing.T) *config.Config {
	cfg := testsupport.NewConfig(t)
	cfg.CLI.Enabled = true
	cfg.CLI.Command = "wp"
	return cfg
}

func newTestImporter(cfg *config.Config, platform Platform, runner CommandRunner, lookErr error) *Importer {
	imp := NewImporterWithRunner(cfg, platform, runner, logging.NewNop())
	imp.lookPath = func(name string) (string, error) {
		if lookErr != nil {
			return "", lookErr
		}
		return "/usr/local/bin/" + name, nil
	}
	return imp
}

func kitDir(t *testing.T) (string, *Manifest) {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, testsupport.KitFiles())
	m, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	return dir, m
}

func TestImportAllCLIFallsBackToItemImport(t *testing.T) {
	cfg := cliConfig(t)
	runner := &scriptedRunner{
		outputs: []string{"Error: not a kit", "Imported template \"Home\" as 41\nSuccess: template 42 imported.\nDone."},
		errs:    []error{errors.New("exit status 1"), nil},
	}
	platform := newFakePlatform()
	imp := newTestImporter(cfg, platform, runner, nil)

	result, err := imp.ImportAll(context.Background(), ImportRequest{JobID: 1, BundlePath: "/data/bk-1.zip"})
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if result.Strategy != StrategyCLI {
		t.Fatalf("strategy = %s", result.Strategy)
	}
	if result.TemplateIDs[0] != 41 || result.TemplateIDs[1] != 42 || len(result.TemplateIDs) != 2 {
		t.Fatalf("ids = %v", result.TemplateIDs)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected kit then item attempts, got %v", runner.calls)
	}
	kit := strings.Join(runner.calls[0], " ")
	want := "/usr/local/bin/wp elementor kit import /data/bk-1.zip --path=" + cfg.Platform.InstallPath + " --allow-root"
	if kit != want {
		t.Fatalf("kit call = %q, want %q", kit, want)
	}
	if runner.calls[1][2] != "library" {
		t.Fatalf("second call should be the item import: %v", runner.calls[1])
	}
	if len(platform.titles()) != 0 {
		t.Fatal("native routine must not run when the CLI succeeds")
	}
}

func TestImportAllCLISuccessWithoutIDs(t *testing.T) {
	cfg := cliConfig(t)
	runner := &scriptedRunner{outputs: []string{"Success: kit imported."}}
	imp := newTestImporter(cfg, newFakePlatform(), runner, nil)

	result, err := imp.ImportAll(context.Background(), ImportRequest{JobID: 1, BundlePath: "b.zip"})
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if result.Marker != CLISuccessMarker || len(result.TemplateIDs) != 0 || result.Count() != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestImportAllFallsBackToNative(t *testing.T) {
	cases := []struct {
		name    string
		cfg     func(*config.Config)
		lookErr error
		runner  *scriptedRunner
	}{
		{name: "disabled", cfg: func(c *config.Config) { c.CLI.Enabled = false }, runner: &scriptedRunner{}},
		{name: "missing binary", lookErr: exec.ErrNotFound, runner: &scriptedRunner{}},
		{name: "both attempts fail", runner: &scriptedRunner{
			outputs: []string{"kit failed", "item failed"},
			errs:    []error{errors.New("exit status 1"), errors.New("exit status 1")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := cliConfig(t)
			if tc.cfg != nil {
				tc.cfg(cfg)
			}
			platform := newFakePlatform()
			imp := newTestImporter(cfg, platform, tc.runner, tc.lookErr)
			dir, manifest := kitDir(t)
			var logged []string

			result, err := imp.ImportAll(context.Background(), ImportRequest{
				JobID:      5,
				BundlePath: filepath.Join(dir, "kit.zip"),
				Dir:        dir,
				Manifest:   manifest,
				Log:        func(line string) { logged = append(logged, line) },
			})
			if err != nil {
				t.Fatalf("ImportAll: %v", err)
			}
			if result.Strategy != StrategyNative || len(result.TemplateIDs) != 2 {
				t.Fatalf("result = %+v", result)
			}
			titles := platform.titles()
			if len(titles) != 2 || titles[0] != "Home" || titles[1] != "Footer" {
				t.Fatalf("imported titles = %v", titles)
			}
			if platform.imported[1].Type != "footer" || platform.imported[1].Source != "templates/footer.json" {
				t.Fatalf("second import = %+v", platform.imported[1])
			}
			if len(logged) == 0 || !strings.HasPrefix(logged[0], "CLI not available (") {
				t.Fatalf("fallback not logged: %v", logged)
			}
		})
	}
}

func TestImportAllErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	inactive := newFakePlatform()
	inactive.inactive = true
	_, err := newTestImporter(cfg, inactive, &scriptedRunner{}, nil).ImportAll(context.Background(), ImportRequest{})
	if !errors.Is(err, ErrPluginInactive) {
		t.Fatalf("expected ErrPluginInactive, got %v", err)
	}

	_, err = newTestImporter(cfg, newFakePlatform(), &scriptedRunner{}, nil).ImportAll(context.Background(), ImportRequest{Dir: t.TempDir()})
	if !errors.Is(err, ErrNoTemplates) {
		t.Fatalf("expected ErrNoTemplates, got %v", err)
	}

	rejecting := newFakePlatform()
	rejecting.reject["Home"] = true
	rejecting.reject["Footer"] = true
	dir, manifest := kitDir(t)
	_, err = newTestImporter(cfg, rejecting, &scriptedRunner{}, nil).ImportAll(context.Background(), ImportRequest{Dir: dir, Manifest: manifest})
	if !errors.Is(err, ErrEmptyImport) {
		t.Fatalf("expected ErrEmptyImport, got %v", err)
	}
}

func TestImportAllStubbedCLI(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedCLI("wp-stub", "Imported template 77", 0))
	imp := NewImporter(cfg, newFakePlatform(), logging.NewNop())
	if !imp.CLIAvailable() {
		t.Fatal("stubbed CLI should be available")
	}
	result, err := imp.ImportAll(context.Background(), ImportRequest{JobID: 9, BundlePath: "kit.zip"})
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if result.TemplateIDs[0] != 77 {
		t.Fatalf("ids = %v", result.TemplateIDs)
	}
}

func TestParseCLIOutput(t *testing.T) {
	result := parseCLIOutput([]byte("Header TEMPLATE id 12\nnothing here 5\nTemplate imported: 13\n"))
	if len(result.TemplateIDs) != 2 || result.TemplateIDs[0] != 12 || result.TemplateIDs[1] != 13 {
		t.Fatalf("ids = %v", result.TemplateIDs)
	}
	if result.Marker != "" {
		t.Fatalf("marker should be empty when ids were found")
	}
}
