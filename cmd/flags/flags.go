// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TargetDSN returns the target Postgres connection string given by
// --target-dsn or PGBULK_TARGET_DSN, or "" when neither is set; callers
// then use the load specification's own target.dsn.
func TargetDSN() string {
	return viper.GetString("TARGET_DSN")
}

// PgConnectionFlags registers the target DSN override flag; only "load"
// uses it.
func PgConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("target-dsn", "", "Postgres target DSN, overriding the load specification's target.dsn")
	viper.BindPFlag("TARGET_DSN", cmd.PersistentFlags().Lookup("target-dsn"))
}
