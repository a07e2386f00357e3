package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xela07ax/guardian-gateway/internal/infra"
	"github.com/xela07ax/guardian-gateway/internal/presets"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "Policy-gated execution gateway for agent trading actions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.AddCommand(serveCmd, checkCmd, presetsCmd, tokenCmd)
}

// loadCatalog — встроенные пресеты плюс файл из конфига.
func loadCatalog(cfg *infra.Config) (*presets.Catalog, error) {
	catalog := presets.New()
	if cfg.Guardians.PresetsFile != "" {
		if err := catalog.LoadFile(cfg.Guardians.PresetsFile); err != nil {
			return nil, fmt.Errorf("load presets: %w", err)
		}
	}
	return catalog, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
