package launch

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zhubert/plural-mcp/config"
)

// Prerequisite represents a runtime a configured server needs on PATH
type Prerequisite struct {
	Name        string // Command name (e.g., "npx", "docker")
	Required    bool   // Whether a configured server depends on it
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// knownRuntimes maps common server launch commands to install pointers.
var knownRuntimes = map[string]Prerequisite{
	"node": {
		Name:        "node",
		Description: "Node.js runtime",
		InstallURL:  "https://nodejs.org",
	},
	"npx": {
		Name:        "npx",
		Description: "Node.js package runner (ships with npm)",
		InstallURL:  "https://nodejs.org",
	},
	"uvx": {
		Name:        "uvx",
		Description: "uv Python package runner",
		InstallURL:  "https://docs.astral.sh/uv",
	},
	"python": {
		Name:        "python",
		Description: "Python interpreter",
		InstallURL:  "https://www.python.org/downloads",
	},
	"docker": {
		Name:        "docker",
		Description: "Docker container runtime",
		InstallURL:  "https://docs.docker.com/get-docker",
	},
}

// ForServers derives the runtimes the given configurations depend on. Each
// enabled stdio server contributes the executable its launch command
// resolves to; duplicates collapse to one entry. HTTP servers need nothing
// on PATH.
func ForServers(cfgs []config.ServerConfig) []Prerequisite {
	seen := make(map[string]bool)
	var prereqs []Prerequisite

	for _, cfg := range cfgs {
		if !cfg.Enabled || cfg.Transport == config.TransportHTTP {
			continue
		}
		exe, _, err := Resolve(cfg.Command, cfg.Args)
		if err != nil || exe == "" {
			continue
		}
		name := filepath.Base(exe)
		if seen[name] {
			continue
		}
		seen[name] = true

		prereq, ok := knownRuntimes[name]
		if !ok {
			prereq = Prerequisite{
				Name:        name,
				Description: fmt.Sprintf("launch command for server %s", cfg.ID),
			}
		}
		prereq.Required = true
		prereqs = append(prereqs, prereq)
	}
	return prereqs
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a runtime is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	if version := getVersion(prereq.Name); version != "" {
		result.Version = version
	}
	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that every required runtime is present.
// Returns nil if all are found, otherwise an error describing what's
// missing and where to get it.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			line := fmt.Sprintf("  - %s (%s)", prereq.Name, prereq.Description)
			if prereq.InstallURL != "" {
				line += fmt.Sprintf("\n    Install: %s", prereq.InstallURL)
			}
			missing = append(missing, line)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing server runtimes:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion attempts to get the version of a runtime
func getVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err == nil {
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				// Limit length to avoid overly long version strings
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}
	return ""
}
