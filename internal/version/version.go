// Package version reports what build of the commit queue is running;
// the daemon's status API and the CLI both surface it.
package version

import (
	"runtime/debug"
	"strings"
)

// Version is stamped with -ldflags "-X .../internal/version.Version=..."
// on release builds. Unstamped binaries fall back to the VCS revision
// recorded in the build info.
var Version = "dev"

func init() {
	if Version != "dev" {
		return
	}
	Version = vcsVersion()
}

func vcsVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}

// Full returns the version plus the commit timestamp when the build
// info carries one.
func Full() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}

	parts := []string{Version}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.time" {
			parts = append(parts, setting.Value)
			break
		}
	}
	return strings.Join(parts, " ")
}
