// SPDX-License-Identifier: Apache-2.0

// Package config is the load specification: a declarative,
// schema-validated YAML/JSON document naming sources, the target,
// per-table column lists and casts, batch/concurrency knobs, and
// schema-completion flags.
package config

import "github.com/pgbulk/pgbulk/pkg/db"

// IndexNaming selects how the index kernel names indexes.
type IndexNaming string

const (
	IndexNamesUniquify IndexNaming = "uniquify"
	IndexNamesPreserve IndexNaming = "preserve"
)

// Target describes the PostgreSQL destination and the session settings
// applied to every connection opened against it.
type Target struct {
	DSN      string          `json:"dsn"`
	Settings []SettingConfig `json:"settings,omitempty"`
}

// SettingConfig is one (name, value) GUC pair.
type SettingConfig struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ToDBSetting converts to the db package's runtime Setting type.
func (s SettingConfig) ToDBSetting() db.Setting {
	return db.Setting{Name: s.Name, Value: s.Value}
}

// FieldConfig describes one fixed-width field slice.
type FieldConfig struct {
	Name   string `json:"name"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// FixedWidthConfig configures a fixed-width text source. SkipLines is
// never decoded directly from JSON (see resolveSkipLines in load.go) so
// that both the "skip-line" and "skip-lines" spelling are honored.
type FixedWidthConfig struct {
	Encoding  string        `json:"encoding,omitempty"`
	Fields    []FieldConfig `json:"fields"`
	SkipLines int           `json:"-"`
}

// MySQLConfig configures a MySQL source connection.
type MySQLConfig struct {
	Charset string `json:"charset,omitempty" default:"utf8mb4"`
}

// ColumnConfig describes one target column and the cast applied to the
// source value that lands in it.
type ColumnConfig struct {
	Name        string  `json:"name"`
	SourceType  string  `json:"source_type,omitempty"`
	TargetType  string  `json:"target_type"`
	Nullable    bool    `json:"nullable"`
	Default     *string `json:"default,omitempty"`
	TransformFn string  `json:"transform_fn,omitempty"`
	Comment     string  `json:"comment,omitempty"`
}

// IndexConfig describes one index to build during the index kernel phase.
type IndexConfig struct {
	Name      string   `json:"name"`
	Unique    bool     `json:"unique,omitempty"`
	Columns   []string `json:"columns"`
	Using     string   `json:"using,omitempty"`
	Predicate string   `json:"predicate,omitempty"`
}

// ForeignKeyConfig describes one foreign key added during the complete
// phase.
type ForeignKeyConfig struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnDelete   string   `json:"on_delete,omitempty"`
}

// TableConfig is one table's end-to-end load configuration: source,
// target shape, batching, and the schema objects built around it.
type TableConfig struct {
	Name   string `json:"name"`
	Schema string `json:"schema" default:"public"`
	Source string `json:"source"`

	Columns     []ColumnConfig     `json:"columns"`
	Indexes     []IndexConfig      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKeyConfig `json:"foreign_keys,omitempty"`
	Comment     string             `json:"comment,omitempty"`

	BatchRows         int `json:"batch_rows" default:"5000"`
	BatchBytes        int `json:"batch_bytes" default:"4194304"`
	ConcurrentBatches int `json:"concurrent_batches" default:"4"`

	Truncate        bool `json:"truncate,omitempty"`
	DisableTriggers bool `json:"disable_triggers,omitempty"`

	FixedWidth *FixedWidthConfig `json:"fixed_width,omitempty"`
	MySQL      *MySQLConfig      `json:"mysql,omitempty"`
}

// Spec is one complete load specification document.
type Spec struct {
	Target Target        `json:"target"`
	Tables []TableConfig `json:"tables"`

	// MaterializedViews are raw CREATE statements for materialized-view
	// target tables, run at the end of the prepare phase.
	MaterializedViews []string `json:"materialized_views,omitempty"`

	IndexNames IndexNaming `json:"index_names" default:"uniquify"`
	TLSMode    string      `json:"tls_mode" default:"prefer"`

	IncludeDrop bool `json:"include_drop,omitempty"`
	DataOnly    bool `json:"data_only,omitempty"`

	// These three default to true when the key is absent; struct-tag
	// defaulting cannot tell an explicit false from an omitted key, so
	// their defaults are applied by presence in Parse instead.
	CreateTables bool `json:"create_tables"`
	ForeignKeys  bool `json:"foreign_keys"`
	ResetSeqs    bool `json:"reset_sequences"`
}
