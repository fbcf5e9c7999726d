package version

import (
	"runtime/debug"
	"testing"
)

func TestDevelFromRevision(t *testing.T) {
	got := develFrom([]debug.BuildSetting{
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.revision", Value: "0123456789abcdef"},
	})
	if got != "v0.0.0-devel+0123456789ab" {
		t.Fatalf("unexpected devel version %q", got)
	}
	if got := develFrom([]debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}); got != "v0.0.0-devel+abc" {
		t.Fatalf("unexpected short revision version %q", got)
	}
	if got := develFrom(nil); got != develVersion {
		t.Fatalf("expected %q without vcs settings, got %q", develVersion, got)
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = " v1.4.2 "
	if got := Current(); got != "v1.4.2" {
		t.Fatalf("expected linked version, got %q", got)
	}
	if got := CurrentSemver(); got != "v1.4.2" {
		t.Fatalf("expected linked semver, got %q", got)
	}
}

func TestCurrentNotEmpty(t *testing.T) {
	if Current() == "" {
		t.Fatal("expected a version string")
	}
	if Module() == "" {
		t.Fatal("expected a module path")
	}
}

func TestSemverCore(t *testing.T) {
	cases := map[string]string{
		"v1.2.3":                    "v1.2.3",
		"1.2.3":                     "v1.2.3",
		"v0.4.0-rc.1":               "v0.4.0",
		"v0.0.0-devel+0123456789ab": "v0.0.0",
		"v2.0.1+meta":               "v2.0.1",
		"v0.0.0-devel":              "v0.0.0",
		"garbage":                   "v0.0.0",
		"v1.x.3":                    "v0.0.0",
	}
	for in, want := range cases {
		if got := semverCore(in); got != want {
			t.Fatalf("semverCore(%q) = %q, want %q", in, got, want)
		}
	}
	if CurrentSemver() == "" {
		t.Fatal("expected a semver string")
	}
}
