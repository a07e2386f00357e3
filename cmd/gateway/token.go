package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/xela07ax/guardian-gateway/internal/infra"
	"github.com/xela07ax/guardian-gateway/internal/infra/auth"
)

var (
	tokenUser    string
	tokenOrg     string
	tokenAccount string
	tokenScopes  []string
)

// tokenCmd выпускает dev-токен закрытым ключом из auth.private_key_path.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development RS256 token for an (org, account)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := infra.LoadConfig(configPath)
		if err != nil {
			return err
		}
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return err
		}

		tok, err := auth.NewIssuer(key, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(tokenUser, tokenOrg, tokenAccount, tokenScopes...)
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(tok)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "dev", "subject (user id)")
	tokenCmd.Flags().StringVar(&tokenOrg, "org", "", "organization id")
	tokenCmd.Flags().StringVar(&tokenAccount, "account", "", "account id")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "granted scopes (guardians.write, actions.submit, admin)")
	_ = tokenCmd.MarkFlagRequired("org")
	_ = tokenCmd.MarkFlagRequired("account")
}
