// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbulk/pgbulk/pkg/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "validate <spec.yaml>",
		Short:     "Validate a load specification without touching the target database",
		Example:   "validate spec.yaml",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("valid: %d table(s) targeting %s\n", len(spec.Tables), spec.Target.DSN)
			return nil
		},
	}
}
