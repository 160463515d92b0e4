package gwconfig

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/gateway.yaml", []byte(`
gatewayName: gw1
storage:
  type: memory
`), 0644))

	cfg, err := Load(fs, "/gateway.yaml")
	require.NoError(t, err)

	require.Equal(t, "gw1", cfg.GatewayName)
	require.Equal(t, 4096, cfg.ThingsBoard.MaxPayloadSizeBytes)
	require.Equal(t, 500, cfg.ThingsBoard.MinPackSendDelayMS)
	require.Equal(t, 3600, cfg.ThingsBoard.StatsSendPeriodInSeconds)
	require.Equal(t, 60, cfg.ThingsBoard.CheckConnectorsConfigInSeconds)
	require.Equal(t, 300000, cfg.Updates.CheckPeriodMS)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/gateway.yaml", []byte(`
gatewayName: gw1
logLevel: debug
thingsboard:
  maxPayloadSizeBytes: 8192
`), 0644))

	cfg, err := Load(fs, "/gateway.yaml")
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 8192, cfg.ThingsBoard.MaxPayloadSizeBytes)
}

func TestLoadMissingFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/missing.yaml")
	require.Error(t, err)
}
