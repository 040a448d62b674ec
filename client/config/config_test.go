package config_test

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avsguild/contributor/client/config"
	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "orchestrator.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func peerEntryFor(t *testing.T, id, address string) (config.PeerEntry, *keystore.KeyPair) {
	t.Helper()

	keyPair, err := keystore.NewKeyPair()
	require.NoError(t, err)

	blsPubBz, err := keyPair.BLSPublicKey().MarshalBinary()
	require.NoError(t, err)

	return config.PeerEntry{
		ID:              id,
		Address:         address,
		BLSPubKey:       hex.EncodeToString(blsPubBz),
		TransportPubKey: hex.EncodeToString(keyPair.TransportPublicKey()),
	}, keyPair
}

func TestLoadOrchestratorConfig(t *testing.T) {
	req := require.New(t)

	path := writeConfigFile(t, `{
		"threshold": 2,
		"task_deadline": "30s",
		"peers": [
			{"id": "node-0", "address": "10.0.0.1:9090", "bls_public_key": "aa", "transport_public_key": "bb"}
		],
		"kafka": {
			"endpoint": "localhost:9092",
			"tasks_topic": "tasks",
			"results_topic": "results",
			"consumer_group": "contributors"
		}
	}`)

	cfg, err := config.LoadOrchestratorConfig(path)
	req.NoError(err)
	req.Equal(2, cfg.Threshold)
	req.Equal(30*time.Second, cfg.TaskDeadline)
	req.Len(cfg.Peers, 1)
	req.Equal("tasks", cfg.Kafka.TasksTopic)
	req.Equal("results", cfg.Kafka.ResultsTopic)
}

func TestLoadOrchestratorConfig_DefaultDeadline(t *testing.T) {
	req := require.New(t)

	path := writeConfigFile(t, `{
		"threshold": 2,
		"peers": [],
		"kafka": {"endpoint": "localhost:9092", "tasks_topic": "tasks", "results_topic": "results"}
	}`)

	cfg, err := config.LoadOrchestratorConfig(path)
	req.NoError(err)
	req.Equal(config.DefaultTaskDeadline, cfg.TaskDeadline)
}

func TestLoadOrchestratorConfig_MissingKafkaSection(t *testing.T) {
	req := require.New(t)

	path := writeConfigFile(t, `{"threshold": 2, "peers": []}`)

	_, err := config.LoadOrchestratorConfig(path)
	req.Error(err)

	var configurationError *types.ConfigurationError
	req.ErrorAs(err, &configurationError)
}

func TestLoadOrchestratorConfig_MissingFile(t *testing.T) {
	_, err := config.LoadOrchestratorConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestParseTopology(t *testing.T) {
	req := require.New(t)

	entries := make([]config.PeerEntry, 3)
	keyPairs := make([]*keystore.KeyPair, 3)
	for i := range entries {
		entries[i], keyPairs[i] = peerEntryFor(t, fmt.Sprintf("node-%d", i), fmt.Sprintf("10.0.0.%d:9090", i))
	}

	cfg := &config.OrchestratorConfig{Threshold: 2, Peers: entries}

	topology, err := cfg.ParseTopology()
	req.NoError(err)
	req.Equal(2, topology.Threshold)
	req.Equal(3, topology.Size())

	// The decoded keys must match the generated ones.
	for i, keyPair := range keyPairs {
		peer, ok := topology.PeerByID(fmt.Sprintf("node-%d", i))
		req.True(ok)
		req.True(peer.BLSPubKey.Equal(keyPair.BLSPublicKey()))
		req.Equal([]byte(keyPair.TransportPublicKey()), []byte(peer.TransportPubKey))

		selfID, err := topology.SelfID(keyPair.TransportPublicKey())
		req.NoError(err)
		req.Equal(peer.ID, selfID)
	}
}

func TestParseTopology_BadKeys(t *testing.T) {
	req := require.New(t)

	entry, _ := peerEntryFor(t, "node-0", "10.0.0.1:9090")
	entry.BLSPubKey = "not-hex"

	cfg := &config.OrchestratorConfig{Threshold: 1, Peers: []config.PeerEntry{entry}}

	_, err := cfg.ParseTopology()
	req.Error(err)

	var configurationError *types.ConfigurationError
	req.ErrorAs(err, &configurationError)
}

func TestParseTopology_ThresholdTooLow(t *testing.T) {
	entries := make([]config.PeerEntry, 3)
	for i := range entries {
		entries[i], _ = peerEntryFor(t, fmt.Sprintf("node-%d", i), fmt.Sprintf("10.0.0.%d:9090", i))
	}

	// A threshold of 1 out of 3 is not a majority.
	cfg := &config.OrchestratorConfig{Threshold: 1, Peers: entries}
	_, err := cfg.ParseTopology()
	require.Error(t, err)
}
