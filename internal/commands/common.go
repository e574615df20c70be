package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/config"
)

// Flags shared by every command.
var (
	ConfigPath string
	EnvFile    string
	Verbose    int
	Port       int
)

// AddGlobalFlags installs the shared flags on the root command.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&ConfigPath, "config", config.ConfigFileName, "Configuration file")
	root.PersistentFlags().StringVar(&EnvFile, "env", ".env", "File of KEY=VALUE secrets loaded before the configuration")
	root.PersistentFlags().CountVarP(&Verbose, "verbose", "v", "Verbose output (can be specified multiple times: -v, -vv, -vvv)")
	root.PersistentFlags().IntVarP(&Port, "port", "p", 0, "Port to listen on (default: auto-select starting from 10000)")
}

// LoadConfig reads the env file, the configuration file, the environment and
// the flags, in that order of increasing precedence. The result is not
// validated.
func LoadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromFile(ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyEnv(nil)
	cfg.Merge(Port, Verbose)
	return cfg, nil
}
