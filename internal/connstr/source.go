// SPDX-License-Identifier: Apache-2.0

package connstr

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/schema"
)

// SourceKind is the reader implementation a source URI resolves to.
type SourceKind int

const (
	SourceFixedWidth SourceKind = iota
	SourceMySQL
)

// ByteStreamKind is how a fixed-width source's bytes are obtained.
type ByteStreamKind int

const (
	StreamStdin ByteStreamKind = iota
	StreamInline
	StreamPath
	StreamHTTP
	StreamGlob
)

// SourceRef is the result of resolving a source URI; the reader factory
// keys off Kind to pick an implementation.
type SourceRef struct {
	Kind SourceKind

	// Populated when Kind == SourceFixedWidth.
	Stream     ByteStreamKind
	Descriptor string // path, glob pattern, URL, or inline text

	// Populated when Kind == SourceMySQL.
	MySQL schema.ConnectionSpec
}

// ResolveSource dispatches a source URI to a SourceRef. Recognized forms:
// "fixed://<inner>" wrapping one of stdin/inline:/a path/an http(s) URL/a
// glob; the bare tokens "stdin" and "inline:<text>"; "mysql://..."; and a
// bare path or glob, which defaults to the fixed-width reader.
func ResolveSource(raw string) (SourceRef, error) {
	switch {
	case raw == "stdin":
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamStdin}, nil
	case strings.HasPrefix(raw, "inline:"):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamInline, Descriptor: strings.TrimPrefix(raw, "inline:")}, nil
	case strings.HasPrefix(raw, "fixed://"):
		return resolveFixedInner(strings.TrimPrefix(raw, "fixed://"))
	case strings.HasPrefix(raw, "mysql://"):
		spec, err := resolveMySQL(raw)
		if err != nil {
			return SourceRef{}, err
		}
		return SourceRef{Kind: SourceMySQL, MySQL: spec}, nil
	case strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamHTTP, Descriptor: raw}, nil
	case strings.ContainsAny(raw, "*?["):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamGlob, Descriptor: raw}, nil
	case raw != "":
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamPath, Descriptor: raw}, nil
	default:
		return SourceRef{}, &pgerrors.ConfigError{Reason: "empty source URI"}
	}
}

func resolveFixedInner(inner string) (SourceRef, error) {
	switch {
	case inner == "stdin" || inner == "":
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamStdin}, nil
	case strings.HasPrefix(inner, "inline:"):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamInline, Descriptor: strings.TrimPrefix(inner, "inline:")}, nil
	case strings.HasPrefix(inner, "http://") || strings.HasPrefix(inner, "https://"):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamHTTP, Descriptor: inner}, nil
	case strings.ContainsAny(inner, "*?["):
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamGlob, Descriptor: inner}, nil
	default:
		return SourceRef{Kind: SourceFixedWidth, Stream: StreamPath, Descriptor: inner}, nil
	}
}

// MySQLEnv holds the environment-variable fallbacks for a MySQL source
// URI missing one of user/password/host/port, the same variables the
// mysql client itself honors.
type MySQLEnv struct {
	User     string `env:"USER"`
	Password string `env:"MYSQL_PWD"`
	Host     string `env:"MYSQL_HOST" envDefault:"localhost"`
	Port     int    `env:"MYSQL_TCP_PORT" envDefault:"3306"`
}

// mysqlEnvFromOS reads the MySQL fallbacks from the real process
// environment.
var mysqlEnvFromOS = func() (MySQLEnv, error) {
	return ParseMySQLEnv(os.LookupEnv)
}

func resolveMySQL(raw string) (schema.ConnectionSpec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return schema.ConnectionSpec{}, fmt.Errorf("parsing mysql source uri: %w", err)
	}

	env, err := mysqlEnvFromOS()
	if err != nil {
		return schema.ConnectionSpec{}, err
	}

	spec := schema.ConnectionSpec{
		DBName: strings.TrimPrefix(u.Path, "/"),
		User:   env.User,
		Host:   env.Host,
		Port:   env.Port,
	}
	spec.Password = env.Password

	if u.User != nil {
		if name := u.User.Username(); name != "" {
			spec.User = name
		}
		if pw, ok := u.User.Password(); ok {
			spec.Password = pw
		}
	}
	if h := u.Hostname(); h != "" {
		spec.Host = h
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return schema.ConnectionSpec{}, fmt.Errorf("invalid mysql port %q: %w", p, err)
		}
		spec.Port = port
	}

	return spec, nil
}
