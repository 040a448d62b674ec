package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/types"
)

const DefaultTaskDeadline = time.Minute

type HttpApiConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Debug      bool   `mapstructure:"debug"`
}

type KafkaConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	TasksTopic          string        `mapstructure:"tasks_topic"`
	ResultsTopic        string        `mapstructure:"results_topic"`
	ConsumerGroup       string        `mapstructure:"consumer_group"`
	TrustStorePath      string        `mapstructure:"truststore_path"`
	ProducerCredentials string        `mapstructure:"producer_credentials"`
	ConsumerCredentials string        `mapstructure:"consumer_credentials"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxSubmitAttempts   uint64        `mapstructure:"max_submit_attempts"`
}

// PeerEntry is the raw topology entry of the orchestrator config file.
type PeerEntry struct {
	ID              string `mapstructure:"id" json:"id"`
	Address         string `mapstructure:"address" json:"address"`
	BLSPubKey       string `mapstructure:"bls_public_key" json:"bls_public_key"`
	TransportPubKey string `mapstructure:"transport_public_key" json:"transport_public_key"`
}

// OrchestratorConfig is the file passed via --orchestrator: the contributor
// topology, the quorum threshold and the task channel endpoints. Loaded once
// at startup and static for the process lifetime.
type OrchestratorConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	TaskDeadline time.Duration `mapstructure:"task_deadline"`
	Peers        []PeerEntry   `mapstructure:"peers"`
	Kafka        *KafkaConfig  `mapstructure:"kafka"`
}

func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, types.NewConfigurationError("failed to read orchestrator config %s: %v", path, err)
	}

	var cfg OrchestratorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewConfigurationError("failed to parse orchestrator config %s: %v", path, err)
	}

	if cfg.TaskDeadline == 0 {
		cfg.TaskDeadline = DefaultTaskDeadline
	}
	if cfg.Kafka == nil {
		return nil, types.NewConfigurationError("orchestrator config %s without a kafka section", path)
	}

	return &cfg, nil
}

// ParseTopology decodes the configured peer keys into a validated topology
// snapshot.
func (c *OrchestratorConfig) ParseTopology() (*types.Topology, error) {
	suite := keystore.BLSSuite()

	peers := make([]*types.Peer, 0, len(c.Peers))
	for _, entry := range c.Peers {
		blsPubBz, err := hex.DecodeString(entry.BLSPubKey)
		if err != nil {
			return nil, types.NewConfigurationError("failed to decode BLS public key of peer %s: %v", entry.ID, err)
		}
		blsPub := suite.G1().Point()
		if err := blsPub.UnmarshalBinary(blsPubBz); err != nil {
			return nil, types.NewConfigurationError("failed to unmarshal BLS public key of peer %s: %v", entry.ID, err)
		}

		transportPub, err := hex.DecodeString(entry.TransportPubKey)
		if err != nil {
			return nil, types.NewConfigurationError("failed to decode transport public key of peer %s: %v", entry.ID, err)
		}

		peers = append(peers, &types.Peer{
			ID:              entry.ID,
			Address:         entry.Address,
			BLSPubKey:       blsPub,
			TransportPubKey: transportPub,
		})
	}

	return types.NewTopology(c.Threshold, peers)
}

type Config struct {
	KeyFile          string `mapstructure:"key_file"`
	PeerPort         int    `mapstructure:"port"`
	OrchestratorPath string `mapstructure:"orchestrator"`
	StateDBDSN       string `mapstructure:"state_dbdsn"`
	KeyStoreDBDSN    string `mapstructure:"key_store_dbdsn"`

	HttpApiConfig *HttpApiConfig

	Orchestrator *OrchestratorConfig
}

func (c *Config) PeerListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.PeerPort)
}
