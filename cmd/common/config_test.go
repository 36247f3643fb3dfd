package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
protocol:
  hub: alice
  round_timeout: 90s
crypto:
  scheme: plain
  plain_slots: 8
storage:
  backend: postgres
  postgres:
    host: db
relay:
  max_wait: 5s
client:
  id: alice
  peers: [bob]
  eval_command: ["python3", "eval.py"]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, protocol.ClientID("alice"), cfg.Protocol.Hub)
	require.Equal(t, protocol.ClientID("client2"), cfg.Protocol.Peer)
	require.Equal(t, 90*time.Second, cfg.Protocol.RoundTimeout)
	require.Equal(t, "plain", cfg.Crypto.Scheme)
	require.Equal(t, 8, cfg.Crypto.PlainSlots)
	require.Equal(t, "db", cfg.Storage.Postgres.Host)
	require.Equal(t, 5432, cfg.Storage.Postgres.Port)
	require.Equal(t, 5*time.Second, cfg.Relay.MaxWait)
	require.Equal(t, []protocol.ClientID{"bob"}, cfg.Client.Peers)
	require.Equal(t, []string{"python3", "eval.py"}, cfg.Client.EvalCommand)
	require.Equal(t, "keys", cfg.Client.KeyDir)

	scheme, err := cfg.Scheme()
	require.NoError(t, err)
	require.Equal(t, 8, scheme.SlotCapacity())
}

func TestLoadConfiguration(t *testing.T) {
	cfg, err := LoadConfiguration("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	_, err = LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("protocol: [1, 2"), 0o600))
	_, err = LoadConfig(bad)
	require.ErrorContains(t, err, "parsing config")
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "etcd"
	_, err := cfg.OpenStore(t.Context(), nil)
	require.ErrorContains(t, err, "unknown storage backend")
}
