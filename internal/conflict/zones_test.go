package conflict

import (
	"testing"

	"github.com/conductorhq/conductor/internal/domain"
)

func TestZoneEnforcement(t *testing.T) {
	zm := NewZoneManager([]domain.Zone{
		{Pattern: "src/auth/**", Owner: "claude"},
		{Pattern: "src/config/**", ReadOnly: true},
	})

	cases := []struct {
		path, agent string
		want        bool
	}{
		{"src/auth/login.ts", "gemini", false},
		{"src/auth/login.ts", "claude", true},
		{"src/config/x.ts", "claude", false},
		{"src/config/x.ts", "gemini", false},
		{"src/utils.ts", "anyone", true},
	}
	for _, c := range cases {
		if got := zm.CanModify(c.path, c.agent); got != c.want {
			t.Errorf("CanModify(%s, %s) = %v, want %v", c.path, c.agent, got, c.want)
		}
	}
}

func TestGetFileOwnerFirstMatchWins(t *testing.T) {
	zm := NewZoneManager([]domain.Zone{
		{Pattern: "src/auth/admin/**", Owner: "lead"},
		{Pattern: "src/auth/**", Owner: "claude"},
	})
	if got := zm.GetFileOwner("src/auth/admin/roles.ts"); got != "lead" {
		t.Errorf("owner = %q, want lead", got)
	}
	if got := zm.GetFileOwner("src/auth/login.ts"); got != "claude" {
		t.Errorf("owner = %q, want claude", got)
	}
	if got := zm.GetFileOwner("README.md"); got != "" {
		t.Errorf("owner = %q, want empty", got)
	}
}

func TestGlobTranslation(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/a/b/c.ts", true},
		{"src/*", "src/a.ts", true},
		{"src/*", "src/a/b.ts", false},
		{"src/?.ts", "src/a.ts", true},
		{"src/?.ts", "src/ab.ts", false},
		{"**/*.md", "docs/deep/x.md", true},
	}
	for _, c := range cases {
		re := compileGlob(c.pattern)
		if re == nil {
			t.Fatalf("compileGlob(%s) failed", c.pattern)
		}
		if got := re.MatchString(c.path); got != c.want {
			t.Errorf("glob %q vs %q = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}
