package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttime/agenttime/config"
	"github.com/agenttime/agenttime/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
agent:
  markets: ["mkt-1", "mkt-2"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.Agent.IntervalSeconds)
	assert.Equal(t, 2, cfg.Agent.ExecAttempts)
	assert.Equal(t, 5, cfg.Agent.PersistRetries)
	assert.InDelta(t, 100, cfg.Risk.MaxBetSize, 0.001)
	assert.InDelta(t, -50, cfg.Risk.MarketDrawdown, 0.001)
	assert.Equal(t, "https://api.manifold.markets/v0", cfg.API.VenueBase)
	assert.Equal(t, []string{"mkt-1", "mkt-2"}, cfg.Agent.Markets)
}

func TestLoad_APIKeyFromEnvOnly(t *testing.T) {
	t.Setenv("MANIFOLD_API_KEY", "secret-key")
	path := writeConfig(t, `
api:
  venue_base: https://example.test/v0
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.API.APIKey)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_BrokenLimitsAreFatal(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "fraction above one",
			yaml: `
risk:
  max_bet_fraction: 1.5
`,
			field: "risk.max_bet_fraction",
		},
		{
			name: "positive market drawdown",
			yaml: `
risk:
  market_drawdown: 25
`,
			field: "risk.market_drawdown",
		},
		{
			name: "total exposure below market exposure",
			yaml: `
risk:
  max_market_exposure: 500
  max_total_exposure: 100
`,
			field: "risk.max_total_exposure",
		},
		{
			name: "cycle deadline inside exec timeout",
			yaml: `
agent:
  exec_timeout_seconds: 60
  cycle_deadline_seconds: 30
`,
			field: "agent.cycle_deadline_seconds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.yaml))
			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}
