package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"bundlebridge/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level string
	// Format selects the handler for OutputPaths: console or json.
	Format      string
	OutputPaths []string
	// FilePaths receive JSON records regardless of Format.
	FilePaths   []string
	Development bool
	// Color forces ANSI level colours on console output. When nil, colour is
	// enabled only if stdout is a terminal.
	Color *bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 && len(opts.FilePaths) == 0 {
		outputs = []string{"stdout"}
	}
	primary, terminal, err := openWriters(outputs)
	if err != nil {
		return nil, err
	}

	handlers := make([]slog.Handler, 0, 2)
	if primary != nil {
		switch format {
		case "json":
			handlers = append(handlers, newJSONHandler(primary, levelVar, addSource))
		case "console":
			color := terminal
			if opts.Color != nil {
				color = *opts.Color
			}
			handlers = append(handlers, newConsoleHandler(primary, levelVar, addSource, color))
		default:
			return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
		}
	}

	if len(opts.FilePaths) > 0 {
		fileWriter, _, err := openWriters(opts.FilePaths)
		if err != nil {
			return nil, err
		}
		if fileWriter != nil {
			handlers = append(handlers, newJSONHandler(fileWriter, levelVar, addSource))
		}
	}

	return slog.New(newMultiHandler(handlers...)), nil
}

// NewFromConfig creates a logger using application config defaults. Console
// output goes to stdout and a JSON copy is appended to bundlebridge.log.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console", OutputPaths: []string{"stdout"}})
	}

	opts := Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
	}
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		opts.FilePaths = []string{filepath.Join(cfg.Paths.LogDir, "bundlebridge.log")}
	}
	return New(opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openWriters resolves output targets. The boolean reports whether every
// target is an interactive terminal.
func openWriters(paths []string) (io.Writer, bool, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer
	terminal := true

	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
			terminal = terminal && isTerminal(os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
			terminal = terminal && isTerminal(os.Stderr)
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, false, fmt.Errorf("create log directory %s: %w", dir, err)
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, false, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
			terminal = false
		}
	}

	switch len(writers) {
	case 0:
		return nil, false, nil
	case 1:
		return writers[0], terminal, nil
	default:
		return io.MultiWriter(writers...), terminal, nil
	}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
