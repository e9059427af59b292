// SPDX-License-Identifier: Apache-2.0

// Package reader defines the source-reader contract. Concrete
// implementations live in subpackages (fixedwidth, mysqlreader); the
// URI-scheme-keyed factory lives in pkg/reader/factory to avoid an import
// cycle between this package and its implementations.
package reader

import (
	"context"

	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// Cancelled is returned by EmitFunc to tell a Reader's traversal to stop
// promptly: the writer has failed fatally and the pipeline is cancelling.
type Cancelled struct{}

func (Cancelled) Error() string { return "emit cancelled" }

// EmitFunc receives one Row at a time from a Reader. It may block (this is
// the pipeline's backpressure mechanism) and may return Cancelled to ask
// the Reader to stop traversing its source.
type EmitFunc func(ctx context.Context, row schema.Row) error

// Reader drives a single source's traversal, producing rows into emit in
// source order. Every concrete Reader must: increment "read" for every
// row handed to emit regardless of acceptance; recover from a cell that
// fails to decode by substituting NULL, and from a row that cannot be read
// at all by skipping it, and continue; and release its source
// handle promptly when emit returns Cancelled.
type Reader interface {
	MapRows(ctx context.Context, emit EmitFunc) error
}

// Config is the subset of a table's load specification a Reader factory
// needs: the source URI plus fixed-width- and MySQL-specific knobs that
// apply only to the matching source kind.
type Config struct {
	SourceURI string
	Table     *schema.TableSpec
	Label     string
	Stats     *stats.Stats
	Logger    plog.Logger

	// Fixed-width only.
	Encoding  string
	Fields    []FieldSpec
	SkipLines int

	// MySQL only.
	SourceTable  string
	MySQLCharset string
}

// FieldSpec is one fixed-width column: the half-open byte range
// [Start, Start+Length) sliced from each line.
type FieldSpec struct {
	Name   string
	Start  int
	Length int
}
