// SPDX-License-Identifier: Apache-2.0

// Package schema holds the data model shared by every pgbulk component:
// connection parameters, the target table/column/index shape, and the
// row/batch types that flow from a Reader to the Writer.
package schema

import "fmt"

// TLSMode controls how a ConnectionSpec negotiates TLS with its server.
type TLSMode string

const (
	TLSOff     TLSMode = "off"
	TLSPrefer  TLSMode = "prefer"
	TLSRequire TLSMode = "require"
)

// ConnectionSpec describes how to reach a database, source or target.
// It is immutable once constructed; construction is the job of
// internal/connstr, not of this package.
type ConnectionSpec struct {
	// Host is either a TCP hostname or, when UnixSocketDir is set, ignored.
	Host string
	Port int

	// UnixSocketDir, when non-empty, selects a local Unix-domain socket
	// directory instead of a TCP host:port.
	UnixSocketDir string

	User     string
	Password string
	DBName   string
	TLSMode  TLSMode
}

// ColumnSpec describes one column of a TableSpec. It is immutable for the
// lifetime of a single run.
type ColumnSpec struct {
	Name       string
	SourceType string
	TargetType string
	Nullable   bool
	Default    *string

	// TransformFn, if set, names a function registered in the reader's
	// transform registry that rewrites the cell value before it is handed
	// to the writer.
	TransformFn string

	// Comment, if set, is applied via COMMENT ON COLUMN during the
	// complete phase.
	Comment string
}

// TableSpec describes the target table for one migration pipeline.
// OID is the empty string until the CREATE TABLE step of the prepare
// phase assigns it; every other field is fixed at construction.
type TableSpec struct {
	Schema  string
	Name    string
	Columns []*ColumnSpec
	OID     string
}

// QualifiedName returns "schema.table".
func (t *TableSpec) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// ColumnNames returns the column names in declaration order, the order
// fixed at pipeline construction time and used for both COPY column lists
// and row indexing.
func (t *TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IndexSpec describes one index to be created as part of schema
// completion. Name is the declared name and is not rewritten; the
// uniquified form is derived from it by UniquifiedName.
type IndexSpec struct {
	Name           string
	Table          *TableSpec
	Primary        bool
	Unique         bool
	SQL            string
	ConstraintName string
}

// UniquifiedName returns Name suffixed with the owning table's OID, which
// is how pgbulk deconflicts index names across the whole target schema.
// It must only be called after Table.OID has been assigned.
func (i *IndexSpec) UniquifiedName() string {
	if i.Table == nil || i.Table.OID == "" {
		return i.Name
	}
	return fmt.Sprintf("%s_%s", i.Name, i.Table.OID)
}

// ForeignKeySpec describes one foreign key constraint, dropped at the
// start of the prepare phase and re-added at the end of the complete
// phase so that FK cycles between tables never constrain load order.
type ForeignKeySpec struct {
	Name       string
	Table      *TableSpec
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

// Row is one ordered, nullable row of cell values, already in the textual
// representation targeted at COPY. A nil element is SQL NULL.
type Row []*string

// Batch is a contiguous run of Rows committed together in one
// transaction. StartOrdinal is the 0-based source ordinal of Rows[0],
// used only for diagnostics (row previews in error logs).
type Batch struct {
	Rows         []Row
	StartOrdinal int64
	ByteSize     int
}

// Len reports the number of rows in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// Split divides b into two halves, the first holding ceil(n/2) rows. It
// is the implementation of the writer's halving batch-split policy:
// splitting stops when a half reaches length 1.
func (b *Batch) Split() (*Batch, *Batch) {
	n := len(b.Rows)
	mid := (n + 1) / 2

	left := &Batch{
		Rows:         b.Rows[:mid],
		StartOrdinal: b.StartOrdinal,
	}
	right := &Batch{
		Rows:         b.Rows[mid:],
		StartOrdinal: b.StartOrdinal + int64(mid),
	}
	return left, right
}
