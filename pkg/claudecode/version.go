package claudecode

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// canUseToolMinimum is the first CLI release that supports the stdio
// permission prompt channel. Older builds fall back to bypassPermissions.
var canUseToolMinimum = Version{Major: 1, Minor: 0, Patch: 82}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// Version is a parsed CLI version.
type Version struct {
	Major, Minor, Patch int
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch >= other.Patch
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// ParseVersion extracts the first x.y.z triple from `claude --version` output.
func ParseVersion(output string) (Version, bool) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return Version{}, false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch}, true
}

var versionCache sync.Map // executable path -> Version

// ProbeVersion runs `claude --version` once per executable and caches the
// result for the process lifetime.
func ProbeVersion(ctx context.Context, executable string) (Version, bool) {
	if v, ok := versionCache.Load(executable); ok {
		return v.(Version), true
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, executable, "--version").Output()
	if err != nil {
		return Version{}, false
	}
	v, ok := ParseVersion(string(out))
	if !ok {
		return Version{}, false
	}
	versionCache.Store(executable, v)
	return v, true
}

// SupportsControlProtocol reports whether the binary can mediate permissions
// over stdio. Unknown versions are treated as too old.
func SupportsControlProtocol(ctx context.Context, executable string) bool {
	v, ok := ProbeVersion(ctx, executable)
	return ok && v.AtLeast(canUseToolMinimum)
}
