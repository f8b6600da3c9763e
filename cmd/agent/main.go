package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "grist-agent",
	Short: "Conversational agent for Grist documents",
	Long: `grist-agent serves a chat API that lets users query and edit a Grist
document in natural language. Destructive edits are held for confirmation.

CONFIGURATION:
    Config file: ./config.yaml (a missing file means defaults)
    Environment: GRISTAGENT_* variables and a .env file override config`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file")
	rootCmd.Version = version

	rootCmd.AddCommand(serveCmd, probeCmd, doctorCmd, encryptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("GRISTAGENT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
