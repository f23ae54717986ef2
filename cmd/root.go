package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "arbitagex",
	Short: "Asynchronous company research pipeline",
	Long:  "Orchestrates search, crawl, extraction, and storage tasks for company research; exposes the pipeline over a polling HTTP API and this CLI.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
