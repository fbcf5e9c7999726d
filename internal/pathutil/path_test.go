package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("WANTQ_TEST_DIR", "queues")

	cases := map[string]string{
		"":                       "",
		"~":                      home,
		"~/config.yaml":          filepath.Join(home, "config.yaml"),
		"$HOME/x":                home + "/x",
		"/tmp/${WANTQ_TEST_DIR}": "/tmp/queues",
		"relative/path":          "relative/path",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("ExpandUserAndEnv(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandUserAndEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandAbs(t *testing.T) {
	got, err := ExpandAbs("relative/config.yaml")
	if err != nil {
		t.Fatalf("ExpandAbs: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
	if got, err := ExpandAbs("  "); err != nil || got != "" {
		t.Fatalf("expected empty result, got %q %v", got, err)
	}
}
