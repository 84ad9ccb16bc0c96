// Package launch resolves configured MCP server commands into runnable
// processes. All platform-specific knowledge (shell quoting, Windows .cmd
// wrappers) lives here so the lifecycle manager stays OS-agnostic.
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kballard/go-shellquote"
)

// windowsCmdWrappers are launchers that ship as .cmd batch files on Windows.
// exec.Command can't start them without the suffix.
var windowsCmdWrappers = map[string]bool{
	"npx":  true,
	"npm":  true,
	"yarn": true,
	"pnpm": true,
}

// Resolve splits a possibly shell-quoted command string and applies
// platform-specific executable resolution. Extra args from the server config
// are appended after any args embedded in the command string.
func Resolve(command string, args []string) (string, []string, error) {
	return resolveForOS(command, args, runtime.GOOS)
}

// resolveForOS is Resolve with the OS injected for testing.
func resolveForOS(command string, args []string, goos string) (string, []string, error) {
	parts, err := shellquote.Split(command)
	if err != nil {
		return "", nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}

	exe := resolveExecutable(parts[0], goos)

	argv := make([]string, 0, len(parts)-1+len(args))
	argv = append(argv, parts[1:]...)
	argv = append(argv, args...)
	return exe, argv, nil
}

// resolveExecutable maps bare launcher names to their Windows .cmd variants.
// Commands given with an explicit extension or path are left alone.
func resolveExecutable(name, goos string) string {
	if goos != "windows" {
		return name
	}
	if filepath.Ext(name) != "" {
		return name
	}
	if windowsCmdWrappers[strings.ToLower(filepath.Base(name))] {
		return name + ".cmd"
	}
	return name
}

// Cmd builds an exec.Cmd for a server config. The configured env vars are
// layered on top of the current process environment.
func Cmd(command string, args []string, env map[string]string) (*exec.Cmd, error) {
	exe, argv, err := Resolve(command, args)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, argv...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = merged
	}
	return cmd, nil
}

// Available reports whether the resolved executable can be found in PATH.
// Useful for surfacing a clear error before attempting a spawn.
func Available(command string) bool {
	exe, _, err := Resolve(command, nil)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(exe)
	return err == nil
}
