package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWhenNoFileOrEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "missing.yaml"))

	s, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "EURUSD", s.Symbol)
	require.Equal(t, IntentBoth, s.Intent)
	require.Equal(t, 1.0, s.RiskPercent)
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
trading:
  symbol: GBPUSD
  riskPercent: 2.5
  intent: SELL
system:
  logsDir: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	t.Setenv("CONFIG_FILE", path)

	s, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "GBPUSD", s.Symbol)
	require.Equal(t, 2.5, s.RiskPercent)
	require.Equal(t, IntentSell, s.Intent)
}

func TestLoadConfig_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  symbol: GBPUSD\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TRADING_SYMBOL", "USDJPY")

	s, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "USDJPY", s.Symbol)
}

func TestLoadConfig_RejectsInvalidRiskPercent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  riskPercent: 0\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TRADING_RISK_PERCENT", "150")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_RejectsInvalidIntent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  intent: SIDEWAYS\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
}
