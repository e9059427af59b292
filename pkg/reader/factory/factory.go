// SPDX-License-Identifier: Apache-2.0

// Package factory resolves a source URI to a concrete reader.Reader,
// keyed on the URI's scheme. It is split out from pkg/reader to avoid a
// cycle between that package's interface and its fixedwidth/mysqlreader
// implementations.
package factory

import (
	"fmt"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/reader/fixedwidth"
	"github.com/pgbulk/pgbulk/pkg/reader/mysqlreader"
)

// New resolves cfg.SourceURI and constructs the matching concrete Reader.
func New(cfg reader.Config) (reader.Reader, error) {
	ref, err := connstr.ResolveSource(cfg.SourceURI)
	if err != nil {
		return nil, err
	}

	switch ref.Kind {
	case connstr.SourceFixedWidth:
		return fixedwidth.New(ref, cfg)
	case connstr.SourceMySQL:
		return mysqlreader.New(ref, cfg)
	default:
		return nil, fmt.Errorf("unsupported source kind for %q", cfg.SourceURI)
	}
}
