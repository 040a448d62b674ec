package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avsguild/contributor/client/api/http_api"
	"github.com/avsguild/contributor/client/config"
	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/modules/logger"
	"github.com/avsguild/contributor/client/modules/state"
	"github.com/avsguild/contributor/client/services/node"
	"github.com/avsguild/contributor/orchestrator"
	"github.com/avsguild/contributor/peer"
	"github.com/avsguild/contributor/processor"
)

const (
	flagNodeName      = "node_name"
	flagKeyFile       = "key_file"
	flagPeerPort      = "port"
	flagOrchestrator  = "orchestrator"
	flagListenAddr    = "listen_addr"
	flagStateDBDSN    = "state_dbdsn"
	flagKeyStoreDBDSN = "key_store_dbdsn"
	flagProcessor     = "processor"
)

func init() {
	rootCmd.PersistentFlags().String(flagNodeName, "contributor", "Node name used by the key store")
	rootCmd.PersistentFlags().String(flagKeyFile, "./contributor_keys.json", "Path to the node key file")
	rootCmd.PersistentFlags().Int(flagPeerPort, 9090, "Peer listen port")
	rootCmd.PersistentFlags().String(flagOrchestrator, "./orchestrator.json", "Path to the orchestrator config")
	rootCmd.PersistentFlags().String(flagListenAddr, "localhost:8080", "HTTP API listen address")
	rootCmd.PersistentFlags().String(flagStateDBDSN, "./contributor_state", "State DBDSN")
	rootCmd.PersistentFlags().String(flagKeyStoreDBDSN, "./contributor_key_store", "Key Store DBDSN")
	rootCmd.PersistentFlags().String(flagProcessor, "digest", "Task processor: digest or counter")
}

func genKeyPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gen_keys",
		Short: "generates the node keypair and exports it as a key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeName, err := cmd.Flags().GetString(flagNodeName)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			keyFile, err := cmd.Flags().GetString(flagKeyFile)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}
			keyStoreDBDSN, err := cmd.Flags().GetString(flagKeyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %v", err)
			}

			keyPair, err := keystore.NewKeyPair()
			if err != nil {
				return fmt.Errorf("failed to generate keypair: %w", err)
			}

			keyStore, err := keystore.NewLevelDBKeyStore(keyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to init key store: %w", err)
			}
			if err := keyStore.PutKeys(nodeName, keyPair); err != nil {
				return fmt.Errorf("failed to save keypair: %w", err)
			}

			if err := keystore.SaveKeyFile(keyFile, keyPair); err != nil {
				return fmt.Errorf("failed to export key file: %w", err)
			}

			blsPubBz, err := keyPair.BLSPublicKey().MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal BLS public key: %w", err)
			}

			fmt.Printf("keypair generated for node %s and saved to %s\n", nodeName, keyFile)
			fmt.Printf("bls_public_key: %x\n", blsPubBz)
			fmt.Printf("transport_public_key: %s\n", keyPair.GetAddr())
			return nil
		},
	}
}

func buildProcessor(name string) (processor.Processor, error) {
	switch name {
	case "digest":
		return processor.NewDigestProcessor(), nil
	case "counter":
		return processor.NewCounterProcessor(), nil
	default:
		return nil, fmt.Errorf("unknown processor %q", name)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{HttpApiConfig: &config.HttpApiConfig{}}

	var err error
	if cfg.KeyFile, err = cmd.Flags().GetString(flagKeyFile); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if cfg.PeerPort, err = cmd.Flags().GetInt(flagPeerPort); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if cfg.OrchestratorPath, err = cmd.Flags().GetString(flagOrchestrator); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if cfg.StateDBDSN, err = cmd.Flags().GetString(flagStateDBDSN); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if cfg.KeyStoreDBDSN, err = cmd.Flags().GetString(flagKeyStoreDBDSN); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}
	if cfg.HttpApiConfig.ListenAddr, err = cmd.Flags().GetString(flagListenAddr); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}

	if cfg.Orchestrator, err = config.LoadOrchestratorConfig(cfg.OrchestratorPath); err != nil {
		return nil, err
	}

	return cfg, nil
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "starts the contributor daemon",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				log.Fatalf("failed to load configuration: %v", err)
			}

			processorName, err := cmd.Flags().GetString(flagProcessor)
			if err != nil {
				log.Fatalf("failed to read configuration: %v", err)
			}
			proc, err := buildProcessor(processorName)
			if err != nil {
				log.Fatalf("failed to init processor: %v", err)
			}

			keyPair, err := keystore.LoadKeyFile(cfg.KeyFile)
			if err != nil {
				log.Fatalf("failed to load keys: %v", err)
			}

			topology, err := cfg.Orchestrator.ParseTopology()
			if err != nil {
				log.Fatalf("failed to parse topology: %v", err)
			}

			nodeID, err := topology.SelfID(keyPair.TransportPublicKey())
			if err != nil {
				log.Fatalf("failed to find this node in the topology: %v", err)
			}

			nodeLogger := logger.NewLogger(nodeID)

			nodeState, err := state.NewLevelDBState(cfg.StateDBDSN)
			if err != nil {
				log.Fatalf("failed to init state: %v", err)
			}

			orchestratorClient, err := orchestrator.NewKafkaClient(cfg.Orchestrator.Kafka, nodeID, nodeLogger)
			if err != nil {
				log.Fatalf("failed to init orchestrator client: %v", err)
			}

			channel := peer.NewTCPChannel(nodeID, cfg.PeerListenAddr(), keyPair, topology, nodeLogger)

			nodeService, err := node.NewNodeService(
				nodeID,
				keyPair,
				topology,
				channel,
				orchestratorClient,
				proc,
				nodeState,
				nodeLogger,
				cfg.Orchestrator.TaskDeadline,
			)
			if err != nil {
				log.Fatalf("failed to init node service: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())

			var httpApi http_api.RESTApiProvider
			if err := httpApi.NewServer(cfg, nodeService); err != nil {
				log.Fatalf("failed to init HTTP API: %v", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs

				log.Println("Received signal, stopping node...")
				cancel()

				if err := httpApi.Stop(context.Background()); err != nil {
					log.Printf("failed to stop HTTP API: %v", err)
				}
			}()

			go func() {
				if err := httpApi.Start(); err != nil {
					nodeLogger.Log("HTTP API stopped: %v", err)
				}
			}()

			nodeLogger.Log("starting to service tasks...")
			if err := nodeService.Run(ctx); err != nil {
				log.Fatalf("node stopped with an error: %v", err)
			}
			nodeLogger.Log("node stopped")

			if err := orchestratorClient.Close(); err != nil {
				log.Printf("failed to close orchestrator client: %v", err)
			}
			if err := nodeState.Close(); err != nil {
				log.Printf("failed to close state: %v", err)
			}
		},
	}
}

var rootCmd = &cobra.Command{
	Use:   "contributor_d",
	Short: "AVS contributor node daemon",
}

func main() {
	rootCmd.AddCommand(
		startCommand(),
		genKeyPairCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute root command: %v", err)
	}
}
