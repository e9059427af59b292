// SPDX-License-Identifier: Apache-2.0

// Package migrate is the top-level glue package: orchestrator prepare ->
// per-table pipeline runs with concurrent index scheduling ->
// orchestrator complete -> report.
package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/internal/defaults"
	"github.com/pgbulk/pgbulk/pkg/config"
	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/index"
	"github.com/pgbulk/pgbulk/pkg/orchestrator"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/pipeline"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/reader/factory"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
	"github.com/pgbulk/pgbulk/pkg/writer"
)

// Result is the outcome of one migration run: the stats collector (for
// Render()) and each table's writer tally.
type Result struct {
	Stats         *stats.Stats
	WriterResults map[string]writer.Result
}

// Run executes one complete migration: prepare, per-table pipeline runs
// with concurrent index scheduling, complete. A fatal error from prepare,
// any table's pipeline, or complete aborts the run and is returned
// alongside whatever partial Result was produced, so the CLI can both
// print the partial report and exit non-zero.
func Run(ctx context.Context, spec *config.Spec) (*Result, error) {
	st := stats.New()
	logger := plog.New()
	result := &Result{Stats: st, WriterResults: map[string]writer.Result{}}

	targetSpec, err := connstr.ParseTargetDSN(spec.Target.DSN)
	if err != nil {
		return result, err
	}
	settings := make([]db.Setting, len(spec.Target.Settings))
	for i, s := range spec.Target.Settings {
		settings[i] = s.ToDBSetting()
	}

	tables := make([]*schema.TableSpec, len(spec.Tables))
	indexJobsByTable := make(map[string][]*schema.IndexSpec, len(spec.Tables))
	var foreignKeys []*schema.ForeignKeySpec
	tableComments := map[string]string{}
	columnComments := map[string]string{}
	maxIndexesPerTable := 0

	for i, tc := range spec.Tables {
		t := buildTableSpec(tc)
		tables[i] = t

		idxs := buildIndexSpecs(tc, t)
		indexJobsByTable[t.QualifiedName()] = idxs
		if len(idxs) > maxIndexesPerTable {
			maxIndexesPerTable = len(idxs)
		}

		foreignKeys = append(foreignKeys, buildForeignKeys(tc, t)...)

		if tc.Comment != "" {
			tableComments[t.QualifiedName()] = tc.Comment
		}
		for _, cc := range tc.Columns {
			if cc.Comment != "" {
				columnComments[fmt.Sprintf("%s.%s", t.QualifiedName(), cc.Name)] = cc.Comment
			}
		}
	}

	orch := orchestrator.New(logger, st)
	if err := orch.Prepare(ctx, targetSpec, settings, orchestrator.PrepareOptions{
		DropForeignKeys:   spec.ForeignKeys,
		CreateTables:      spec.CreateTables,
		DataOnly:          spec.DataOnly,
		IncludeDrop:       spec.IncludeDrop,
		Tables:            tables,
		ForeignKeys:       foreignKeys,
		MaterializedViews: spec.MaterializedViews,
	}); err != nil {
		return result, err
	}

	uniquify := spec.IndexNames == config.IndexNamesUniquify
	kernel := index.New(defaults.IndexWorkers(maxIndexesPerTable), uniquify, logger, st)
	jobs := make(chan *index.Job, maxIndexesPerTable*len(tables)+1)

	var kernelWG sync.WaitGroup
	kernelWG.Add(1)
	go func() {
		defer kernelWG.Done()
		kernel.Run(ctx, targetSpec, settings, jobs)
	}()

	var firstErr error
	for i, tc := range spec.Tables {
		t := tables[i]
		label := t.QualifiedName()

		rdr, err := factory.New(reader.Config{
			SourceURI:    tc.Source,
			Table:        t,
			Label:        label,
			Stats:        st,
			Logger:       logger,
			Encoding:     fixedWidthEncoding(tc),
			Fields:       fixedWidthFields(tc),
			SkipLines:    fixedWidthSkipLines(tc),
			SourceTable:  t.Name,
			MySQLCharset: mysqlCharset(tc),
		})
		if err != nil {
			logger.LogTableSkipped(label, err)
			st.Incr(label, stats.Errs, 1)
			continue
		}

		res, runErr := pipeline.Run(ctx, pipeline.Config{
			Reader:   rdr,
			Target:   targetSpec,
			Settings: settings,
			Table:    t,
			Writer: writer.Options{
				Truncate:        tc.Truncate,
				DisableTriggers: tc.DisableTriggers,
			},
			Batch: pipeline.BatchConfig{
				Rows:              tc.BatchRows,
				Bytes:             tc.BatchBytes,
				ConcurrentBatches: tc.ConcurrentBatches,
			},
			Stats:  st,
			Logger: logger,
		})
		result.WriterResults[label] = res

		if runErr != nil {
			if !pgerrors.IsFatal(runErr) {
				// Recoverable (e.g. source table absent): skip this table
				// and keep loading the rest of the run.
				logger.LogTableSkipped(label, runErr)
				st.Incr(label, stats.Errs, 1)
				continue
			}
			firstErr = fmt.Errorf("table %q: %w", label, runErr)
			break
		}

		for _, idx := range indexJobsByTable[label] {
			jobs <- &index.Job{Table: t, Index: idx}
		}
	}

	close(jobs)
	kernelWG.Wait()

	if firstErr != nil {
		return result, firstErr
	}

	if err := orch.Complete(ctx, targetSpec, settings, orchestrator.CompleteOptions{
		ResetSequences:     spec.ResetSeqs,
		DataOnly:           spec.DataOnly,
		UniquifyIndexNames: uniquify,
		Tables:             tables,
		Uniques:            kernel.Uniques(),
		ForeignKeys:        foreignKeys,
		TableComments:      tableComments,
		ColumnComments:     columnComments,
	}); err != nil {
		return result, err
	}

	return result, nil
}

func buildTableSpec(tc config.TableConfig) *schema.TableSpec {
	cols := make([]*schema.ColumnSpec, len(tc.Columns))
	for i, cc := range tc.Columns {
		cols[i] = &schema.ColumnSpec{
			Name:        cc.Name,
			SourceType:  cc.SourceType,
			TargetType:  cc.TargetType,
			Nullable:    cc.Nullable,
			Default:     cc.Default,
			TransformFn: cc.TransformFn,
			Comment:     cc.Comment,
		}
	}
	return &schema.TableSpec{Schema: tc.Schema, Name: tc.Name, Columns: cols}
}

func buildIndexSpecs(tc config.TableConfig, t *schema.TableSpec) []*schema.IndexSpec {
	specs := make([]*schema.IndexSpec, len(tc.Indexes))
	for i, ic := range tc.Indexes {
		sql := "(" + joinQuoted(ic.Columns) + ")"
		if ic.Using != "" {
			sql = "USING " + ic.Using + " " + sql
		}
		if ic.Predicate != "" {
			sql += " WHERE " + ic.Predicate
		}
		specs[i] = &schema.IndexSpec{Name: ic.Name, Table: t, Unique: ic.Unique, SQL: sql}
	}
	return specs
}

func buildForeignKeys(tc config.TableConfig, t *schema.TableSpec) []*schema.ForeignKeySpec {
	specs := make([]*schema.ForeignKeySpec, len(tc.ForeignKeys))
	for i, fc := range tc.ForeignKeys {
		specs[i] = &schema.ForeignKeySpec{
			Name:       fc.Name,
			Table:      t,
			Columns:    fc.Columns,
			RefTable:   fc.RefTable,
			RefColumns: fc.RefColumns,
			OnDelete:   fc.OnDelete,
		}
	}
	return specs
}

func joinQuoted(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += `"` + n + `"`
	}
	return out
}

func fixedWidthEncoding(tc config.TableConfig) string {
	if tc.FixedWidth == nil {
		return ""
	}
	return tc.FixedWidth.Encoding
}

func fixedWidthSkipLines(tc config.TableConfig) int {
	if tc.FixedWidth == nil {
		return 0
	}
	return tc.FixedWidth.SkipLines
}

func fixedWidthFields(tc config.TableConfig) []reader.FieldSpec {
	if tc.FixedWidth == nil {
		return nil
	}
	fields := make([]reader.FieldSpec, len(tc.FixedWidth.Fields))
	for i, f := range tc.FixedWidth.Fields {
		fields[i] = reader.FieldSpec{Name: f.Name, Start: f.Start, Length: f.Length}
	}
	return fields
}

func mysqlCharset(tc config.TableConfig) string {
	if tc.MySQL == nil {
		return ""
	}
	return tc.MySQL.Charset
}
