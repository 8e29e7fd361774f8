package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileOverTomlDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "antt.toml")
	contents := `
[endpoint]
mtu = 2048

[orchestrator]
strategies = ["local"]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2048, cfg.Endpoint.MTU)
	require.Equal(t, []string{"local"}, cfg.Orchestrator.Strategies)
	require.Equal(t, 40000, cfg.Endpoint.PeerBufferCapacity) // untouched default
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("ANTT_ENDPOINT_MTU", "512")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 512, cfg.Endpoint.MTU)
}

func TestLoadAppliesEnvOverrideMultiWordField(t *testing.T) {
	t.Setenv("ANTT_ENDPOINT_TOMBSTONE_TTL_SECONDS", "42")
	t.Setenv("ANTT_ORCHESTRATOR_RETRY_COUNT", "9")
	t.Setenv("ANTT_DETECT_BBOLT_PATH", "/tmp/nat.db")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, float64(42), cfg.Endpoint.TombstoneTTLSec)
	require.Equal(t, 9, cfg.Orchestrator.RetryCount)
	require.Equal(t, "/tmp/nat.db", cfg.Detect.BboltPath)
}

func TestToDatagramConfigConvertsSeconds(t *testing.T) {
	cfg := Default()
	dc := cfg.ToDatagramConfig()
	require.Equal(t, 1024, dc.MTU)
	require.Equal(t, int64(20e9), dc.MaxIdleBeforeHeartbeat.Nanoseconds())
}
