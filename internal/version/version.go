// Package version reports the wantq build version for the CLI, the
// User-Agent header and the telemetry resource.
package version

import (
	"runtime/debug"
	"strings"
)

const (
	defaultModule = "pkt.systems/wantq"
	develVersion  = "v0.0.0-devel"
)

// buildVersion is set via -ldflags "-X pkt.systems/wantq/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the linked-in version, else the module version from build
// info, else v0.0.0-devel tagged with the short VCS revision when known.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return develVersion
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return develFrom(info.Settings)
}

// Module returns the main module path, defaulting to pkt.systems/wantq.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return defaultModule
}

func develFrom(settings []debug.BuildSetting) string {
	for _, s := range settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return develVersion + "+" + s.Value[:min(len(s.Value), 12)]
		}
	}
	return develVersion
}

// CurrentSemver returns the vMAJOR.MINOR.PATCH prefix of Current, dropping
// pre-release and build metadata.
func CurrentSemver() string {
	return semverCore(Current())
}

func semverCore(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return "v0.0.0"
	}
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return "v0.0.0"
		}
	}
	return "v" + v
}
