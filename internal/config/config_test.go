package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/pkg/api"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "quill.db", cfg.Store.SQLitePath)
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, 30*time.Second, cfg.Engine.LeaseTTL)
	require.Equal(t, api.DefaultPolicy(), cfg.EnginePolicy())
	require.Empty(t, cfg.Compliance.BannedTerms)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: Postgres
  postgres_dsn: postgres://quill@localhost/quill
engine:
  workers: 8
  lease_ttl: 10s
policy:
  revision_budget: 5
  quality_threshold: 0.9
  approval_timeout: 1h
  timeout_policy: auto_reject
compliance:
  banned_terms: ["guaranteed returns", "miracle"]
  max_words: 1200
log:
  level: DEBUG
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, BackendPostgres, cfg.Store.Backend)
	require.Equal(t, 8, cfg.Engine.Workers)
	require.Equal(t, 10*time.Second, cfg.Engine.LeaseTTL)
	require.Equal(t, []string{"guaranteed returns", "miracle"}, cfg.Compliance.BannedTerms)
	require.Equal(t, 1200, cfg.Compliance.MaxWords)

	p := cfg.EnginePolicy()
	require.Equal(t, 5, p.RevisionBudget)
	require.Equal(t, 0.9, p.QualityThreshold)
	require.Equal(t, time.Hour, p.ApprovalTimeout)
	require.Equal(t, api.TimeoutPolicyAutoReject, p.TimeoutPolicy)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  workers: 2\n")
	t.Setenv("QUILL_ENGINE_WORKERS", "6")
	t.Setenv("QUILL_STORE_BACKEND", "memory")
	t.Setenv("QUILL_COMPLIANCE_BANNED_TERMS", "foo, bar")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.Engine.Workers)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, []string{"foo", "bar"}, cfg.Compliance.BannedTerms)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"backend":      "store:\n  backend: cassandra\n",
		"postgres dsn": "store:\n  backend: postgres\n",
		"policy":       "policy:\n  timeout_policy: shrug\n",
		"threshold":    "policy:\n  quality_threshold: 1.5\n",
		"workers":      "engine:\n  workers: 0\n",
		"log format":   "log:\n  format: xml\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"shown"`)
	require.Contains(t, out, `"service":"quill"`)
}
