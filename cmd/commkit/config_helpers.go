package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"commkit/internal/config"
)

// loadConfig resolves the effective configuration for one command run. An
// explicit --config path wins over the upward search; the environment is
// applied on top either way. The returned path names the file actually
// loaded, empty when running on defaults.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, "", err
	}
	if path != "" {
		cfg := config.Default()
		if err := config.LoadFile(path, &cfg); err != nil {
			return config.Config{}, "", fmt.Errorf("failed to load config: %w", err)
		}
		config.ApplyEnv(&cfg)
		return cfg, path, nil
	}
	return config.Load(".")
}
