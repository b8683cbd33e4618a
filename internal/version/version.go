// Package version reports the build version of the subexec binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/subexec"

// buildVersion is set via -ldflags "-X pkt.systems/subexec/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return currentFromBuildInfo(false)
}

// CurrentWithDirty returns the best available version string (including dirty suffix when available).
func CurrentWithDirty() string {
	return currentFromBuildInfo(true)
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return defaultModule
}

// UserAgent identifies engine API requests.
func UserAgent() string {
	return "subexec/" + Current()
}

func currentFromBuildInfo(includeDirty bool) string {
	if strings.TrimSpace(buildVersion) != "" {
		return trimDirty(buildVersion, includeDirty)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return trimDirty(v, includeDirty)
	}
	if v := pseudoFromBuildInfo(info, includeDirty); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, includeDirty bool) string {
	v = strings.TrimSpace(v)
	if includeDirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

// pseudoFromBuildInfo derives a Go pseudo-version from VCS stamping.
func pseudoFromBuildInfo(info *debug.BuildInfo, includeDirty bool) string {
	if info == nil {
		return ""
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	revision, stamp := settings["vcs.revision"], settings["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	when, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + when.UTC().Format("20060102150405") + "-" + revision
	if includeDirty && settings["vcs.modified"] == "true" {
		ver += "+dirty"
	}
	return ver
}
