// SPDX-License-Identifier: Apache-2.0

// Package connstr resolves the two URI forms pgbulk accepts: the target
// PostgreSQL DSN and the heterogeneous source URIs (fixed://, mysql://,
// stdin, inline, http(s)://, filename globs). Full libpq conninfo
// grammar is not handled, only the documented forms.
package connstr

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pgbulk/pgbulk/pkg/schema"
)

// ParseTargetDSN parses a target DSN of the form
// postgresql://user:pw@host:port/dbname?sslmode=... A host of the form
// "unix:/path/to/socket/dir" selects a local Unix socket directory.
func ParseTargetDSN(raw string) (schema.ConnectionSpec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return schema.ConnectionSpec{}, fmt.Errorf("parsing target dsn: %w", err)
	}

	spec := schema.ConnectionSpec{
		DBName:  strings.TrimPrefix(u.Path, "/"),
		TLSMode: schema.TLSPrefer,
	}
	if u.User != nil {
		spec.User = u.User.Username()
		spec.Password, _ = u.User.Password()
	}

	if u.Host == "unix:" {
		// url.Parse ends the authority at the socket path's first "/", so
		// the directory is the path up to its last segment, the dbname.
		dir := u.Path
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			spec.DBName = dir[i+1:]
			dir = dir[:i]
		}
		spec.UnixSocketDir = dir
	} else {
		spec.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return schema.ConnectionSpec{}, fmt.Errorf("invalid port %q: %w", p, err)
			}
			spec.Port = port
		} else {
			spec.Port = 5432
		}
	}

	if mode := u.Query().Get("sslmode"); mode != "" {
		switch mode {
		case "disable":
			spec.TLSMode = schema.TLSOff
		case "require", "verify-ca", "verify-full":
			spec.TLSMode = schema.TLSRequire
		default:
			spec.TLSMode = schema.TLSPrefer
		}
	}

	return spec, nil
}

// TargetDSN renders spec as a lib/pq keyword/value connection string and
// also returns a human-readable address for error messages.
func TargetDSN(spec schema.ConnectionSpec) (dsn string, addr string) {
	var b strings.Builder

	if spec.UnixSocketDir != "" {
		fmt.Fprintf(&b, "host=%s ", escapeDSNValue(spec.UnixSocketDir))
		addr = spec.UnixSocketDir
	} else {
		host := spec.Host
		if host == "" {
			host = "localhost"
		}
		port := spec.Port
		if port == 0 {
			port = 5432
		}
		fmt.Fprintf(&b, "host=%s port=%d ", escapeDSNValue(host), port)
		addr = fmt.Sprintf("%s:%d", host, port)
	}

	if spec.User != "" {
		fmt.Fprintf(&b, "user=%s ", escapeDSNValue(spec.User))
	}
	if spec.Password != "" {
		fmt.Fprintf(&b, "password=%s ", escapeDSNValue(spec.Password))
	}
	if spec.DBName != "" {
		fmt.Fprintf(&b, "dbname=%s ", escapeDSNValue(spec.DBName))
	}

	mode := spec.TLSMode
	if mode == "" {
		mode = schema.TLSPrefer
	}
	sslmode := "prefer"
	switch mode {
	case schema.TLSOff:
		sslmode = "disable"
	case schema.TLSRequire:
		sslmode = "require"
	}
	fmt.Fprintf(&b, "sslmode=%s", sslmode)

	return b.String(), addr
}

func escapeDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
