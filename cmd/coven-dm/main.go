// ABOUTME: Entry point for the coven-dm direct messaging server
// ABOUTME: Builds the cobra command tree and resolves config and data paths

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _
  ___ _____   _____ _ __        __| |_ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____/ _' | '_ ' _ \
| (_| (_) \ V /  __/ | | |_____| (_| | | | | | |
 \___\___/ \_/ \___|_| |_|      \__,_|_| |_| |_|
`

// getConfigPath returns the path to the coven-dm config file.
// Priority: COVEN_DM_CONFIG env var > XDG_CONFIG_HOME/coven/dm.yaml > ~/.config/coven/dm.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dm.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "dm.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// globalOptions carries the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "coven-dm",
		Short: "coven-dm: one-to-one direct messaging server",
		Long:  "coven-dm stores direct messages between pairs of users and pushes them to every live session of both participants.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				opts.configPath = getConfigPath()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/coven/dm.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of coven-dm",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-dm %s\n", version)
		},
	}
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
