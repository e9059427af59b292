// SPDX-License-Identifier: Apache-2.0

package connstr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/internal/connstr"
)

func fakeEnv(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestParseMySQLEnvDefaults(t *testing.T) {
	out, err := connstr.ParseMySQLEnv(fakeEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "localhost", out.Host)
	assert.Equal(t, 3306, out.Port)
	assert.Equal(t, "", out.User)
	assert.Equal(t, "", out.Password)
}

func TestParseMySQLEnvOverrides(t *testing.T) {
	out, err := connstr.ParseMySQLEnv(fakeEnv(map[string]string{
		"USER":           "etl",
		"MYSQL_PWD":      "secret",
		"MYSQL_HOST":     "legacydb",
		"MYSQL_TCP_PORT": "3307",
	}))
	require.NoError(t, err)
	assert.Equal(t, "etl", out.User)
	assert.Equal(t, "secret", out.Password)
	assert.Equal(t, "legacydb", out.Host)
	assert.Equal(t, 3307, out.Port)
}
