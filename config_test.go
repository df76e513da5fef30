package chorus_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmwaters/chorus"
	"github.com/cmwaters/chorus/consensus"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
transport: http
model_name: iris_model
peers:
  - id: clement
    endpoint: http://localhost:5000
  - id: raph
    endpoint: http://localhost:5001
  - id: diane
    endpoint: http://localhost:5002
parameters:
  alpha: 0.2
  reward: 5
  penalty: 25
  base_balance: 100
  query_timeout: 2s
store:
  kind: file
  path: /var/lib/chorus/ledger.json
`

const jsonConfig = `{
  "transport": "libp2p",
  "network_name": "testnet",
  "peers": [
    {"id": "a", "endpoint": "12D3KooWExample"}
  ],
  "libp2p": {"announce_topic": "/chorus/outcomes"}
}`

func TestParseConfigYAML(t *testing.T) {
	cfg, err := chorus.ParseConfig([]byte(yamlConfig))
	require.NoError(t, err)
	require.Equal(t, chorus.TransportHTTP, cfg.Transport)
	require.Len(t, cfg.Peers, 3)
	require.Equal(t, "raph", cfg.Peers[1].ID)
	require.Equal(t, 0.2, cfg.Parameters.Alpha)
	require.EqualValues(t, 25, cfg.Parameters.Penalty)
	require.Equal(t, 2*time.Second, cfg.Parameters.QueryTimeout)
	// not set in the file, kept from the defaults
	require.Equal(t, consensus.DefaultRoundTimeout, cfg.Parameters.RoundTimeout)
	require.Equal(t, chorus.StoreFile, cfg.Store.Kind)

	members := cfg.Members()
	require.Len(t, members, 3)
	require.Equal(t, "http://localhost:5002", members[2].Endpoint)
}

func TestParseConfigJSON(t *testing.T) {
	cfg, err := chorus.ParseConfig([]byte(jsonConfig))
	require.NoError(t, err)
	require.Equal(t, chorus.TransportLibp2p, cfg.Transport)
	require.Equal(t, "/chorus/outcomes", cfg.Libp2p.AnnounceTopic)
	require.Equal(t, chorus.StoreMemory, cfg.Store.Kind)
	require.Equal(t, consensus.DefaultParameters(), cfg.Parameters)
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name   string
		config string
	}{
		{"no peers", `transport: http`},
		{"duplicate peers", `
peers:
  - {id: a, endpoint: x}
  - {id: a, endpoint: y}`},
		{"missing endpoint", `
peers:
  - {id: a}`},
		{"unknown transport", `
transport: carrier-pigeon
peers:
  - {id: a, endpoint: x}`},
		{"announce over http", `
peers:
  - {id: a, endpoint: x}
libp2p:
  announce_topic: outcomes`},
		{"file store without path", `
peers:
  - {id: a, endpoint: x}
store:
  kind: file`},
		{"bad alpha", `
peers:
  - {id: a, endpoint: x}
parameters:
  alpha: 2`},
		{"unknown field", `
peers:
  - {id: a, endpoint: x}
quorum: 3`},
		{"not yaml", `{{{`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := chorus.ParseConfig([]byte(tc.config))
			require.ErrorIs(t, err, chorus.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chorus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))
	cfg, err := chorus.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Peers, 3)

	_, err = chorus.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
