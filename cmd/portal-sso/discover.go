package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lstoll/oidcrp"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the provider metadata the portal resolves",
	Long: `Resolves the provider metadata the same way a login does, discovery
falling back to the static endpoints in the configuration, and prints it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := oidcrp.New(cfg.OIDC, nil, &oidcrp.Options{Logger: logger})
		if err != nil {
			return err
		}

		md, err := a.Metadata(cmd.Context())
		if err != nil {
			return fmt.Errorf("%+v", err)
		}

		b, err := json.MarshalIndent(md, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return err
	},
}
