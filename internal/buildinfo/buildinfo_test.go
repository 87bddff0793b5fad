package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "build_time", "go_version", "platform", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
	if !strings.Contains(info["platform"], "/") {
		t.Errorf("platform = %q, want os/arch", info["platform"])
	}
}

func TestString(t *testing.T) {
	if got := String(); !strings.HasPrefix(got, "gdo "+Version) {
		t.Errorf("String() = %q", got)
	}
}
