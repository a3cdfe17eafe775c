// hivemesh is the node binary: it serves an agent from a config file
// and ships small client commands for poking at a running mesh.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemesh-dev/hivemesh"
	"github.com/hivemesh-dev/hivemesh/pkg/registry"
	"github.com/hivemesh-dev/hivemesh/pkg/transport"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "hivemesh",
		Short:   "Signed agent-to-agent task messaging",
		Version: Version,
	}
	root.AddCommand(serveCmd(), keygenCmd(), sendCmd(), capabilitiesCmd(), agentsCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an agent node from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return hivemesh.Run(configFile, nil)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", envOr("HIVEMESH_CONFIG", "hivemesh.yaml"), "node configuration file")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := protocol.GenerateKeyPair()
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(keys)
		},
	}
}

// clientFlags are shared by the client subcommands.
type clientFlags struct {
	configFile string
	timeout    time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configFile, "config", "c", envOr("HIVEMESH_CONFIG", "hivemesh.yaml"), "node configuration file")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

// client builds a transport client from the config file's identity and
// registry, without starting a server.
func (f *clientFlags) client() (*transport.Client, registry.Registry, error) {
	loader := hivemesh.NewConfigLoader(&hivemesh.OSFileReader{})
	cfg, err := loader.LoadConfig(f.configFile)
	if err != nil {
		return nil, nil, err
	}
	node, err := hivemesh.NewNode(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for i := range cfg.Registry.Peers {
		peer := cfg.Registry.Peers[i]
		if err := node.Registry().Register(ctx, &peer); err != nil {
			return nil, nil, fmt.Errorf("registering peer %s: %w", peer.ID, err)
		}
	}
	return node.Client(), node.Registry(), nil
}

func sendCmd() *cobra.Command {
	var flags clientFlags
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "send <agent-id> <capability>",
		Short: "Send a task request to a peer and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, reg, err := flags.client()
			if err != nil {
				return err
			}
			defer reg.Close()

			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parsing --params: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			result, err := client.SendTask(ctx, protocol.AgentID(args[0]), args[1], params)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&paramsJSON, "params", "", "task parameters as a JSON object")
	return cmd
}

func capabilitiesCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "capabilities <agent-id>",
		Short: "Query a peer's capability descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, reg, err := flags.client()
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			capabilities, err := client.QueryCapabilities(ctx, protocol.AgentID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, capabilities)
		},
	}
	flags.register(cmd)
	return cmd
}

func agentsCmd() *cobra.Command {
	var flags clientFlags
	var query string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List or search the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := flags.client()
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			records, err := reg.Search(ctx, query)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&query, "query", "q", "", "free-text filter over id, name, and capabilities")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
