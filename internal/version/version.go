// Package version reports how the tvwake binary was built. The variables are
// set with -ldflags "-X github.com/HerbHall/tvwake/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the --version line.
func Info() string {
	return fmt.Sprintf("tvwake %s (commit: %s, built: %s, go: %s, %s/%s)",
		Short(), commit(), BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version, e.g. "0.3.1" or "dev".
func Short() string {
	return Version
}

// Map returns the build information for the status endpoint.
func Map() map[string]string {
	return map[string]string{
		"version":    Short(),
		"git_commit": commit(),
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// commit falls back to the VCS stamp the go tool embeds when no ldflags
// were given.
func commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return GitCommit
}
