// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is the pgbulk version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGBULK")
	viper.AutomaticEnv()
}

var rootCmd = &cobra.Command{
	Use:          "pgbulk",
	Short:        "Stream tabular data into Postgres over the COPY protocol",
	SilenceUsage: true,
	Version:      Version,
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(validateCmd())

	return rootCmd.Execute()
}
