package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"bundlebridge/internal/config"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/services"
)

// CLISuccessMarker stands in for template ids when the CLI succeeds without
// printing any.
const CLISuccessMarker = "cli_import_success"

// Import strategies.
const (
	StrategyCLI    = "cli"
	StrategyNative = "native"
)

var cliTemplateID = regexp.MustCompile(`(?i)template.*?(\d+)`)

// Platform is the content platform's native import surface.
type Platform interface {
	// Active reports whether the rendering plugin is available.
	Active() bool
	ImportTemplate(ctx context.Context, in TemplateImport) (int64, error)
	// CreatePage copies an imported template onto a new draft page.
	CreatePage(ctx context.Context, templateID int64, title string) (int64, error)
}

// TemplateImport is one template handed to Platform.ImportTemplate.
type TemplateImport struct {
	JobID   int64
	Index   int
	Title   string
	Type    string
	Source  string
	Content []byte
}

// CommandRunner executes the CLI and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// ImportRequest describes one full-bundle import.
type ImportRequest struct {
	JobID      int64
	BundlePath string
	Dir        string
	Manifest   *Manifest
	// Log receives progress lines for the job log.
	Log func(string)
}

// ImportResult reports what an import created.
type ImportResult struct {
	Strategy    string
	TemplateIDs map[int]int64
	// Marker is set when the CLI reported success without ids.
	Marker string
}

// Count returns the number of templates the import reported.
func (r *ImportResult) Count() int {
	if r == nil {
		return 0
	}
	if len(r.TemplateIDs) == 0 && r.Marker != "" {
		return 1
	}
	return len(r.TemplateIDs)
}

// Importer runs the CLI strategy with a native fallback.
type Importer struct {
	cli         config.CLI
	installPath string
	platform    Platform
	runner      CommandRunner
	lookPath    func(string) (string, error)
	logger      *slog.Logger
}

// NewImporter builds an Importer for the configured CLI and platform.
func NewImporter(cfg *config.Config, platform Platform, logger *slog.Logger) *Importer {
	return NewImporterWithRunner(cfg, platform, execRunner{}, logger)
}

// NewImporterWithRunner allows injecting a custom CLI runner for testing.
func NewImporterWithRunner(cfg *config.Config, platform Platform, runner CommandRunner, logger *slog.Logger) *Importer {
	if runner == nil {
		runner = execRunner{}
	}
	return &Importer{
		cli:         cfg.CLI,
		installPath: cfg.Platform.InstallPath,
		platform:    platform,
		runner:      runner,
		lookPath:    exec.LookPath,
		logger:      logging.NewComponentLogger(logger, "importer"),
	}
}

// CLIAvailable reports whether the CLI strategy can run.
func (i *Importer) CLIAvailable() bool {
	_, err := i.cliPath()
	return err == nil
}

// PlatformActive reports whether the rendering plugin is active.
func (i *Importer) PlatformActive() bool {
	return i.platform != nil && i.platform.Active()
}

// ImportAll imports every template of a bundle.
func (i *Importer) ImportAll(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	logf := req.Log
	if logf == nil {
		logf = func(string) {}
	}
	if !i.PlatformActive() {
		return nil, stageError(services.ErrConfiguration, "import", "check platform", ErrPluginInactive,
			"The rendering plugin is not active.", nil)
	}

	result, err := i.importViaCLI(ctx, req.BundlePath)
	if err == nil {
		return result, nil
	}
	logf(fmt.Sprintf("CLI not available (%s). Using native import.", services.UserMessage(err)))
	logging.WarnWithContext(i.logger, "cli import unavailable, using native import", "cli_fallback",
		logging.Int64(logging.FieldJobID, req.JobID),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "install the import CLI or set cli.enabled=false"),
		logging.String(logging.FieldImpact, "templates are imported through the native routine"),
	)

	files, err := ResolveTemplates(req.Dir, req.Manifest)
	if err != nil {
		return nil, stageError(services.ErrValidation, "import", "resolve templates", ErrNoTemplates,
			"No importable template files found.", err)
	}
	if len(files) == 0 {
		return nil, stageError(services.ErrValidation, "import", "resolve templates", ErrNoTemplates,
			"No importable template files found.", nil)
	}

	ids, failures := i.ImportFiles(ctx, req.JobID, req.Dir, files)
	for _, failure := range failures {
		logf("WARNING: " + failure.Error())
	}
	if len(ids) == 0 {
		return nil, stageError(services.ErrExternalTool, "import", "native import", ErrEmptyImport,
			"Import completed but no templates were created.", errors.Join(failures...))
	}
	return &ImportResult{Strategy: StrategyNative, TemplateIDs: ids}, nil
}

// ImportFiles hands each file to the native routine and returns the ids by
// template index. Unreadable or non-JSON files are reported and skipped.
func (i *Importer) ImportFiles(ctx context.Context, jobID int64, dir string, files []TemplateFile) (map[int]int64, []error) {
	ids := make(map[int]int64, len(files))
	var failures []error
	if i.platform == nil {
		return ids, []error{errors.New("no platform configured")}
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		content, err := os.ReadFile(file.Path)
		if err != nil {
			failures = append(failures, fmt.Errorf("read %s: %w", file.Title, err))
			continue
		}
		if !gjson.ValidBytes(content) {
			failures = append(failures, fmt.Errorf("template %s is not valid JSON", file.Title))
			continue
		}
		kind := file.Type
		if declared := strings.TrimSpace(gjson.GetBytes(content, "type").String()); declared != "" && kind == defaultTemplateType {
			kind = declared
		}
		id, err := i.platform.ImportTemplate(ctx, TemplateImport{
			JobID:   jobID,
			Index:   file.Index,
			Title:   file.Title,
			Type:    kind,
			Source:  relativeSource(dir, file.Path),
			Content: content,
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("import %s: %w", file.Title, err))
			continue
		}
		ids[file.Index] = id
	}
	return ids, failures
}

func (i *Importer) cliPath() (string, error) {
	if !i.cli.Enabled {
		return "", stageError(services.ErrConfiguration, "import", "cli", ErrCLIUnavailable, "CLI import is disabled.", nil)
	}
	command := strings.TrimSpace(i.cli.Command)
	if command == "" {
		return "", stageError(services.ErrConfiguration, "import", "cli", ErrCLIUnavailable, "CLI command is not configured.", nil)
	}
	path, err := i.lookPath(command)
	if err != nil {
		return "", stageError(services.ErrExternalTool, "import", "cli", ErrCLIUnavailable,
			fmt.Sprintf("%s not found", command), err)
	}
	return path, nil
}

func (i *Importer) importViaCLI(ctx context.Context, bundlePath string) (*ImportResult, error) {
	path, err := i.cliPath()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(i.cli.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var outputs []string
	for _, args := range [][]string{i.cli.KitArgs, i.cli.ItemArgs} {
		if len(args) == 0 {
			continue
		}
		out, err := i.runner.Run(ctx, path, expandArgs(args, bundlePath, i.installPath))
		if err == nil {
			return parseCLIOutput(out), nil
		}
		outputs = append(outputs, strings.TrimSpace(string(out)))
		i.logger.Debug("cli import attempt failed",
			logging.String("command", path),
			logging.String("args", strings.Join(args, " ")),
			logging.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, stageError(services.ErrExternalTool, "import", "cli", ErrCLIFailed,
		"CLI import failed: "+strings.TrimSpace(strings.Join(outputs, "\n")), nil)
}

func expandArgs(args []string, bundlePath, installPath string) []string {
	replacer := strings.NewReplacer("{bundle}", bundlePath, "{install}", installPath)
	out := make([]string, 0, len(args))
	for _, arg := range args {
		out = append(out, replacer.Replace(arg))
	}
	return out
}

// parseCLIOutput collects one id per output line mentioning a template.
func parseCLIOutput(out []byte) *ImportResult {
	result := &ImportResult{Strategy: StrategyCLI, TemplateIDs: map[int]int64{}}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		match := cliTemplateID.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		result.TemplateIDs[len(result.TemplateIDs)] = id
	}
	if len(result.TemplateIDs) == 0 {
		result.Marker = CLISuccessMarker
	}
	return result
}

func relativeSource(dir, path string) string {
	if dir == "" {
		return path
	}
	rel := strings.TrimPrefix(path, strings.TrimSuffix(dir, string(os.PathSeparator))+string(os.PathSeparator))
	return strings.ReplaceAll(rel, string(os.PathSeparator), "/")
}
