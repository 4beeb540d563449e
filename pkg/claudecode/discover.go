package claudecode

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no usable claude binary was located.
var ErrNotFound = errors.New("claude executable not found")

// binaryName is the CLI binary searched for on PATH.
const binaryName = "claude"

// systemPrefixes are preferred install locations, checked in order before the
// rest of PATH.
var systemPrefixes = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/opt/homebrew/bin",
}

// Discover locates the Claude Code CLI binary.
//
// Order: the explicit override (config or AGENTDECK_CLAUDE_EXECUTABLE), then
// every PATH entry, skipping npx cache shims (paths containing _npx/.../.bin)
// and preferring system install locations.
func Discover(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", err
		}
		return override, nil
	}

	candidates := candidatePaths()
	if len(candidates) == 0 {
		return "", ErrNotFound
	}
	return candidates[0], nil
}

// candidatePaths returns all usable claude binaries on PATH, system paths first.
func candidatePaths() []string {
	var system, rest []string
	seen := make(map[string]bool)

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, binaryName)
		if seen[path] {
			continue
		}
		seen[path] = true

		if isNpxShim(path) {
			continue
		}
		if !isExecutable(path) {
			continue
		}
		if isSystemPath(dir) {
			system = append(system, path)
		} else {
			rest = append(rest, path)
		}
	}
	return append(system, rest...)
}

// isNpxShim reports whether a path points into an npx cache (_npx/<hash>/.bin).
// Those shims break when the npx cache is pruned mid-session.
func isNpxShim(path string) bool {
	return strings.Contains(path, "_npx") && strings.Contains(path, ".bin")
}

func isSystemPath(dir string) bool {
	clean := filepath.Clean(dir)
	for _, prefix := range systemPrefixes {
		if clean == prefix {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if info.Mode()&0o111 != 0 {
		return true
	}
	// Fall back to LookPath semantics for platforms without unix mode bits.
	_, err = exec.LookPath(path)
	return err == nil
}
