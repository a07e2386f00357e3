package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/infra"
	"github.com/xela07ax/guardian-gateway/internal/risk"
)

var (
	checkPreset string
	checkFile   string
)

// checkCmd — офлайн проверка intent против пресета на пустых счётчиках.
var checkCmd = &cobra.Command{
	Use:   "check [intent-json]",
	Short: "Dry-run an action intent against a preset (no state, no signer)",
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

		name := checkPreset
		if name == "" {
			name = cfg.Guardians.DefaultPreset
		}
		gcfg, err := catalog.Get(name)
		if err != nil {
			return err
		}

		var raw []byte
		switch {
		case len(args) == 1:
			raw = []byte(args[0])
		case checkFile == "-":
			raw, err = io.ReadAll(cmd.InOrStdin())
		case checkFile != "":
			raw, err = os.ReadFile(checkFile)
		default:
			return fmt.Errorf("intent is required: pass JSON as an argument or use --file")
		}
		if err != nil {
			return err
		}

		intent, err := domain.UnmarshalIntent(raw)
		if err != nil {
			return err
		}
		if err := intent.Validate(); err != nil {
			return err
		}

		clk := clock.Real{}
		res := risk.NewEngine(clk, zap.NewNop()).CheckAllGuardians(intent, gcfg, domain.NewGuardiansState(clk.Now()))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Passed {
			return fmt.Errorf("%w: %s", domain.ErrGuardianDenied, res.Summary())
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkPreset, "preset", "p", "", "preset name (default: guardians.default_preset)")
	checkCmd.Flags().StringVarP(&checkFile, "file", "f", "", "read intent JSON from file (- for stdin)")
}
