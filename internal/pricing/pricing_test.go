package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("MODELS_CONFIG_PATH", path)
	Reload()
	t.Cleanup(Reload)
}

func TestCostForSplitUsesInputOutputPricing(t *testing.T) {
	writeConfig(t, `
pricing:
  defaults:
    combined_per_1k: 0.002
  models:
    openai:
      gpt-4o-mini:
        input_per_1k: 0.00015
        output_per_1k: 0.0006
`)

	cost := CostForSplit("gpt-4o-mini", 1000, 1000)
	assert.InDelta(t, 0.00075, cost, 1e-9)
}

func TestCostForSplitFallsBackToDefault(t *testing.T) {
	writeConfig(t, `
pricing:
  defaults:
    combined_per_1k: 0.004
`)

	cost := CostForSplit("unknown-model", 500, 500)
	assert.InDelta(t, 0.004, cost, 1e-9)
}

func TestCostForTokensCombinedPricing(t *testing.T) {
	writeConfig(t, `
pricing:
  models:
    openai:
      text-embedding-3-small:
        combined_per_1k: 0.00002
`)

	cost := CostForTokens("text-embedding-3-small", 2000)
	assert.InDelta(t, 0.00004, cost, 1e-9)
}

func TestNegativeTokensTreatedAsZero(t *testing.T) {
	writeConfig(t, `
pricing:
  defaults:
    combined_per_1k: 0.002
`)

	assert.Zero(t, CostForTokens("x", -5))
	assert.Zero(t, CostForSplit("x", -1, -1))
}
