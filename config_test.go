package occtrans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultClusterConfig(t *testing.T) {
	cfg := DefaultClusterConfig()
	require.Equal(t, uint64(1), cfg.SelfID)
	require.Len(t, cfg.Tables, 1)
	require.Equal(t, uint32(64), cfg.Tables[0].ValueSize)
}

func TestLoadClusterConfigFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	body := []byte("self_id: 7\nlisten_addr: 10.0.0.1:9000\npeers:\n  - peer_id: 2\n    addr: 10.0.0.2:9000\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.SelfID)
	require.Equal(t, "10.0.0.1:9000", cfg.ListenAddr)
	require.Len(t, cfg.Peers, 1)
	require.NotZero(t, cfg.QueueDepth)
	require.Len(t, cfg.Tables, 1, "unset tables field should retain the default schema")
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	_, err := LoadClusterConfig("/nonexistent/path.yaml")
	require.Error(t, err)
}
