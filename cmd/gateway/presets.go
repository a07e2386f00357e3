package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/guardian-gateway/internal/infra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets [name]",
	Short: "List guardian presets or print one as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := infra.LoadConfig(configPath)
		if err != nil {
			return err
		}
		catalog, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			for _, name := range catalog.Names() {
				marker := " "
				if name == cfg.Guardians.DefaultPreset {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, name)
			}
			return nil
		}

		preset, err := catalog.Get(args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{args[0]: preset})
	},
}
