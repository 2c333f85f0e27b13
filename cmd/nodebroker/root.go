package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags
	cfgStateDir string

	// Server flags
	cfgPort         int
	cfgBind         string
	cfgAuthToken    string
	cfgDiscordToken string
	cfgGuildID      string
	cfgMaxPayload   int64
	cfgMaxResult    int64
	cfgMaxInflight  int64
	cfgRateLimit    float64
)

var rootCmd = &cobra.Command{
	Use:   "nodebroker",
	Short: "Gateway node-invocation broker",
	Long:  `nodebroker runs a gateway that tracks connected execution nodes and brokers command invocations to them.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgStateDir, "state-dir", defaultStateDir(), "Directory for persistent state")
}

// defaultStateDir returns XDG_STATE_HOME/nodebroker or ~/.local/state/nodebroker.
func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "nodebroker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".nodebroker", "state")
	}
	return filepath.Join(home, ".local", "state", "nodebroker")
}
