package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Integration gateway for provider webhooks and connections",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"), "path to the YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(rebuildIndexCmd(&configPath))
	root.AddCommand(replayDLQCmd(&configPath))
	return root
}
