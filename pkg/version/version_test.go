package version

import (
	"regexp"
	"testing"
)

var commitPattern = regexp.MustCompile(`^(unknown|[0-9a-f]{7,40})$`)

func TestDefaults(t *testing.T) {
	for name, v := range map[string]string{"Version": Version, "GitCommit": GitCommit, "BuildTime": BuildTime} {
		if v == "" {
			t.Errorf("%s is empty", name)
		}
	}
	if !commitPattern.MatchString(GitCommit) {
		t.Errorf("GitCommit %q is neither unknown nor a hex hash", GitCommit)
	}
}

// The link step writes the package vars the same way the assignments below do.
func TestLinkerOverride(t *testing.T) {
	saved := [3]string{Version, GitCommit, BuildTime}
	t.Cleanup(func() { Version, GitCommit, BuildTime = saved[0], saved[1], saved[2] })

	tests := []struct {
		commit string
		valid  bool
	}{
		{"0123abc", true},
		{"9fceb02d0ae598e95dc970b74767f19372d61af8", true},
		{"abc", false},
		{"HEAD", false},
	}
	for _, tt := range tests {
		Version, GitCommit, BuildTime = "v0.3.0", tt.commit, "2026-10-16T00:00:00Z"
		if got := commitPattern.MatchString(GitCommit); got != tt.valid {
			t.Errorf("commit %q valid = %v; want %v", tt.commit, got, tt.valid)
		}
	}
	if Version != "v0.3.0" {
		t.Errorf("Version = %q after override", Version)
	}
}
