package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"nexus/internal/auth"
)

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the server's bearer token, generating one if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
				return fmt.Errorf("create home directory: %w", err)
			}
			gate, err := auth.LoadOrCreate(cfg.TokenPath(), filepath.Join(cfg.HomeDir, "ssh_keys.json"))
			if err != nil {
				return fmt.Errorf("load auth gate: %w", err)
			}
			fmt.Println(gate.Token)
			return nil
		},
	}
}
