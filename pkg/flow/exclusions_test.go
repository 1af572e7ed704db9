package flow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

func testExclusions(t *testing.T) *Exclusions {
	t.Helper()
	return NewExclusions(observability.NewLogger(observability.ErrorLevel, io.Discard))
}

func TestExclusionsMatch(t *testing.T) {
	e := testExclusions(t)
	e.SetRules([]ExclusionRule{
		{Path: "/health", Action: ActionAllow},
		{Path: "/static/", Action: ActionAllow},
		{Path: "/internal/", Action: ActionDeny},
	})

	tests := []struct {
		name       string
		path       string
		wantMatch  bool
		wantAction string
	}{
		{"exact match", "/health", true, ActionAllow},
		{"exact does not cover children", "/health/live", false, ""},
		{"prefix covers subtree", "/static/css/app.css", true, ActionAllow},
		{"prefix covers the directory itself", "/static/", true, ActionAllow},
		{"deny subtree", "/internal/admin", true, ActionDeny},
		{"no rule", "/app/home", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := e.Match(tt.path)
			assert.Equal(t, tt.wantMatch, ok)
			if tt.wantMatch {
				assert.Equal(t, tt.wantAction, rule.Action)
			}
		})
	}
}

func TestExclusionsLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - path: /health
  - path: /internal/
    action: deny
`), 0o600))

	e := testExclusions(t)
	require.NoError(t, e.LoadFile(path))

	rule, ok := e.Match("/health")
	require.True(t, ok)
	assert.Equal(t, ActionAllow, rule.Action, "missing action defaults to allow")

	rule, ok = e.Match("/internal/x")
	require.True(t, ok)
	assert.Equal(t, ActionDeny, rule.Action)
}

func TestExclusionsFailedReloadKeepsPreviousRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - path: /health\n"), 0o600))

	e := testExclusions(t)
	require.NoError(t, e.LoadFile(path))

	require.NoError(t, os.WriteFile(path, []byte("rules: [:::not yaml"), 0o600))
	require.Error(t, e.LoadFile(path))

	_, ok := e.Match("/health")
	assert.True(t, ok, "previous rule set survives a failed reload")
}

func TestExclusionsWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - path: /health\n"), 0o600))

	e := testExclusions(t)
	require.NoError(t, e.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - path: /metrics\n"), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := e.Match("/metrics")
		return ok
	}, 3*time.Second, 20*time.Millisecond, "watcher picks up the rewritten rule file")
}

func TestExclusionsWatchRequiresLoadedFile(t *testing.T) {
	e := testExclusions(t)
	assert.Error(t, e.Watch(context.Background()))
}
