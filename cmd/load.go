// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbulk/pgbulk/cmd/flags"
	"github.com/pgbulk/pgbulk/pkg/config"
	"github.com/pgbulk/pgbulk/pkg/migrate"
)

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "load <spec.yaml>",
		Short:     "Load one or more tables into Postgres from a load specification",
		Example:   "load spec.yaml",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			specPath := args[0]

			spec, err := config.Load(specPath)
			if err != nil {
				return err
			}
			if dsn := flags.TargetDSN(); dsn != "" {
				spec.Target.DSN = dsn
			}

			result, err := migrate.Run(ctx, spec)
			if result != nil {
				fmt.Println(result.Stats.Render())
			}
			return err
		},
	}

	flags.PgConnectionFlags(cmd)
	return cmd
}
