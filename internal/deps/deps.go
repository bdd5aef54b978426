// Package deps reports whether the external tools the import strategies
// lean on are usable on this host.
package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"bundlebridge/internal/config"
)

// Status is the outcome of one check. Optional entries only degrade the
// import path; the native routine still runs without them.
type Status struct {
	Name      string
	Target    string
	Optional  bool
	Available bool
	Detail    string
}

// Check inspects the import CLI and the site directory it is pointed at.
// Nothing is checked while the CLI strategy is disabled.
func Check(cfg *config.Config) []Status {
	if cfg == nil || !cfg.CLI.Enabled {
		return nil
	}
	return []Status{
		command("Import CLI", cfg.CLI.Command),
		directory("Platform install", cfg.Platform.InstallPath),
	}
}

// Unavailable returns the entries that failed their check.
func Unavailable(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available {
			out = append(out, s)
		}
	}
	return out
}

func command(name, cmd string) Status {
	cmd = strings.TrimSpace(cmd)
	status := Status{Name: name, Target: cmd, Optional: true}
	switch {
	case cmd == "":
		status.Detail = "command not configured"
	default:
		path, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			break
		}
		status.Target = path
		status.Available = true
	}
	return status
}

func directory(name, path string) Status {
	path = strings.TrimSpace(path)
	status := Status{Name: name, Target: path, Optional: true}
	if path == "" {
		status.Detail = "install path not configured"
		return status
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		status.Detail = fmt.Sprintf("install path %q not found", path)
	case !info.IsDir():
		status.Detail = fmt.Sprintf("install path %q is not a directory", path)
	default:
		status.Available = true
	}
	return status
}
