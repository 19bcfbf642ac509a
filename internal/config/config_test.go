package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
risk:
  equity_usd: 25000
modes:
  data_mode: live
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 25000.0, c.Risk.EquityUSD)
	require.Equal(t, 3.0, c.Risk.DailyMaxLossPct)
	require.Equal(t, TradeSandbox, c.Modes.Trade)
	require.Equal(t, "data/tickets.db", c.Store.Path)
	require.Equal(t, 10000, c.Exec.DrainTimeoutMs)
}

func TestLoadRejectsReplayLivePairing(t *testing.T) {
	path := writeConfig(t, `
modes:
  data_mode: replay
  trade_mode: live
  arm_token: CONFIRM
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "replay data may not drive live orders")
}

func TestLoadRequiresArmTokenForLive(t *testing.T) {
	path := writeConfig(t, `
modes:
  trade_mode: live
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "requires arm_token")
}

func TestLoadRejectsUnknownModes(t *testing.T) {
	path := writeConfig(t, `
modes:
  trade_mode: turbo
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown trade_mode")
}

func TestDefaultValidates(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, DataLive, c.Modes.Data)
}
