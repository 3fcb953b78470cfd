package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/language"
)

func newRoleCmd(r role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(r),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			app := newApp(cfg, r)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newLanguagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the configured languages and their images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			reg, err := language.FromConfig(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				spec, _ := reg.Lookup(name)
				fmt.Fprintf(out, "%-12s %s\n", name, spec.Image())
			}
			return nil
		},
	}
}
