// SPDX-License-Identifier: Apache-2.0

package connstr

import (
	"github.com/caarlos0/env/v11"
)

// ParseMySQLEnv fills a MySQLEnv from an arbitrary lookup function, so
// tests can supply a fake environment instead of the process's real one.
// lookupEnv follows the os.LookupEnv signature.
func ParseMySQLEnv(lookupEnv func(string) (string, bool)) (MySQLEnv, error) {
	environment := make(map[string]string)
	for _, name := range []string{"USER", "MYSQL_PWD", "MYSQL_HOST", "MYSQL_TCP_PORT"} {
		if v, ok := lookupEnv(name); ok {
			environment[name] = v
		}
	}

	var out MySQLEnv
	if err := env.ParseWithOptions(&out, env.Options{Environment: environment}); err != nil {
		return MySQLEnv{}, err
	}
	return out, nil
}
