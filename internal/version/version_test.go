package version

import (
	"strings"
	"testing"
)

func setVersion(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = v, commit, built
}

func TestString(t *testing.T) {
	t.Run("custom values", func(t *testing.T) {
		setVersion(t, "1.2.3", "abc1234", "2026-01-15T10:00:00Z")

		expected := "1.2.3 (abc1234) built 2026-01-15T10:00:00Z"
		if result := String(); result != expected {
			t.Errorf("String() = %q, want %q", result, expected)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		setVersion(t, "dev", "unknown", "unknown")

		result := String()
		if !strings.HasPrefix(result, "dev (unknown)") {
			t.Errorf("String() = %q, should start with 'dev (unknown)'", result)
		}
	})
}

func TestUserAgent(t *testing.T) {
	setVersion(t, "2.0.1", "abc", "now")

	if got := UserAgent(); got != "kitchenstream/2.0.1" {
		t.Errorf("UserAgent() = %q, want kitchenstream/2.0.1", got)
	}
}
