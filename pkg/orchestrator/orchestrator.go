// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs the schema-modifying phases that bracket the
// data load: the prepare phase (drop FKs, drop/create tables, assign
// table oids) before any table's pipeline starts, and the complete phase
// (sequence reset, PRIMARY KEY promotion, FK re-add, comments) after
// every writer and index task has returned.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// seqsChannel is the pg_notify/LISTEN channel the sequence-reset
// procedure reports on.
const seqsChannel = "seqs"

// notifyDrainDeadline bounds how long Complete waits for a seqs
// notification once the DO block has returned. If the block touched no
// sequences, no notification ever arrives, so this must be a bounded
// drain, not an indefinite LISTEN.
const notifyDrainDeadline = 2 * time.Second

// Orchestrator runs the prepare/complete phases of one migration.
type Orchestrator struct {
	Logger plog.Logger
	Stats  *stats.Stats
}

// New returns an Orchestrator; a nil logger/stats collector is replaced.
func New(logger plog.Logger, st *stats.Stats) *Orchestrator {
	if logger == nil {
		logger = plog.NewNoop()
	}
	if st == nil {
		st = stats.New()
	}
	return &Orchestrator{Logger: logger, Stats: st}
}

// PrepareOptions configures the prepare phase.
type PrepareOptions struct {
	DropForeignKeys bool
	CreateTables    bool
	DataOnly        bool
	IncludeDrop     bool

	Tables            []*schema.TableSpec
	ForeignKeys       []*schema.ForeignKeySpec
	MaterializedViews []string // raw CREATE statements for MV target tables

	// CleanupSourceViews, if set, is invoked once on any failure path so
	// that materialized views staged on the source side are dropped even
	// though the PG transaction itself rolled back; the source is a
	// different server and gets no rollback for free.
	CleanupSourceViews func(ctx context.Context) error
}

// Prepare runs the prepare phase in a single transaction: a failure here
// is fatal for the run.
func (o *Orchestrator) Prepare(ctx context.Context, spec schema.ConnectionSpec, settings []db.Setting, opts PrepareOptions) (err error) {
	s, err := db.Open(ctx, spec, settings)
	if err != nil {
		return err
	}
	defer s.Close()

	defer func() {
		if err != nil && opts.CleanupSourceViews != nil {
			_ = opts.CleanupSourceViews(ctx)
		}
	}()

	stop := o.Stats.ScopedTimer("Prepare")
	defer stop()

	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		if opts.DropForeignKeys && opts.IncludeDrop {
			for _, fk := range opts.ForeignKeys {
				if err := dropForeignKey(ctx, s, fk); err != nil {
					return err
				}
			}
		}

		if !opts.CreateTables || opts.DataOnly {
			return nil
		}

		for _, t := range opts.Tables {
			o.Logger.LogPrepareStart(t.QualifiedName())

			if opts.IncludeDrop {
				if _, err := s.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.QualifiedName())); err != nil {
					return err
				}
			}
			if _, err := s.ExecContext(ctx, createTableSQL(t)); err != nil {
				return err
			}
		}

		for _, stmt := range opts.MaterializedViews {
			if _, err := s.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		for _, t := range opts.Tables {
			oid, err := tableOID(ctx, s, t)
			if err != nil {
				return err
			}
			t.OID = oid
			o.Logger.LogPrepareComplete(t.QualifiedName())
		}
		return nil
	})
	if err != nil {
		o.Stats.Incr("Prepare", stats.Errs, 1)
	}
	return err
}

// CompleteOptions configures the complete phase.
type CompleteOptions struct {
	ResetSequences bool
	DataOnly       bool

	// UniquifyIndexNames must match the naming mode the index kernel ran
	// with, so PRIMARY KEY promotion targets the index name that was
	// actually created.
	UniquifyIndexNames bool

	Tables      []*schema.TableSpec
	Uniques     []*schema.IndexSpec
	ForeignKeys []*schema.ForeignKeySpec

	// TableComments and ColumnComments key by qualified table name (and,
	// for columns, "table.column") to a free-form comment body.
	TableComments  map[string]string
	ColumnComments map[string]string
}

// Complete runs the complete phase: sequence reset, PK promotion, FK
// re-add, comments, each statement in its own implicit or explicit
// transaction so one failure cannot poison the rest.
func (o *Orchestrator) Complete(ctx context.Context, spec schema.ConnectionSpec, settings []db.Setting, opts CompleteOptions) error {
	s, err := db.Open(ctx, spec, settings)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.ResetSequences {
		dsn, _ := connstr.TargetDSN(spec)
		for _, t := range opts.Tables {
			if err := o.resetSequences(ctx, s, dsn, t); err != nil {
				if !o.reportStatement(err, "sequence reset failed", t.QualifiedName()) {
					return err
				}
			}
		}
	}

	for _, idx := range opts.Uniques {
		if err := o.promotePrimaryKey(ctx, s, idx, opts.UniquifyIndexNames); err != nil {
			if !o.reportStatement(err, "primary key promotion failed", idx.Table.QualifiedName()) {
				return err
			}
		}
	}

	if !opts.DataOnly {
		for _, fk := range opts.ForeignKeys {
			if err := o.addForeignKey(ctx, s, fk); err != nil {
				if !o.reportStatement(err, "foreign key add failed", fk.Table.QualifiedName()) {
					return err
				}
			}
		}
	}

	if err := o.applyComments(ctx, s, opts); err != nil {
		return err
	}

	return nil
}

// reportStatement handles one complete-phase statement failure: database
// errors are logged and continued past (each statement is reported, none
// aborts the phase); anything else is fatal and reports false.
func (o *Orchestrator) reportStatement(err error, msg, target string) bool {
	if _, ok := pgerrors.AsDatabaseError(err); !ok {
		return false
	}
	o.Logger.Warn(msg, "target", target, "error", err)
	return true
}

func dropForeignKey(ctx context.Context, s *db.Session, fk *schema.ForeignKeySpec) error {
	stmt := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		fk.Table.QualifiedName(), pq.QuoteIdentifier(fk.Name))
	_, err := s.ExecContext(ctx, stmt)
	return err
}

func (o *Orchestrator) addForeignKey(ctx context.Context, s *db.Session, fk *schema.ForeignKeySpec) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		fk.Table.QualifiedName(),
		pq.QuoteIdentifier(fk.Name),
		quoteList(fk.Columns),
		pq.QuoteIdentifier(fk.RefTable),
		quoteList(fk.RefColumns),
	)
	if fk.OnDelete != "" {
		stmt += " ON DELETE " + fk.OnDelete
	}
	_, err := s.ExecTimed(ctx, "Foreign Keys", stmt, o.Stats)
	return err
}

// promotePrimaryKey runs ALTER TABLE ... ADD CONSTRAINT ... PRIMARY KEY
// USING INDEX ..., converting a UNIQUE index built by the index kernel
// into the table's primary key without rebuilding it.
func (o *Orchestrator) promotePrimaryKey(ctx context.Context, s *db.Session, idx *schema.IndexSpec, uniquify bool) error {
	name := idx.Name
	if uniquify {
		name = idx.UniquifiedName()
	}
	constraintName := idx.ConstraintName
	if constraintName == "" {
		constraintName = name + "_pkey"
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY USING INDEX %s",
		idx.Table.QualifiedName(),
		pq.QuoteIdentifier(constraintName),
		pq.QuoteIdentifier(name),
	)
	_, err := s.ExecTimed(ctx, "Primary Keys", stmt, o.Stats)
	return err
}

// resetSequences runs the server-side DO block for one table and records
// the number of sequences it touched, notified via pg_notify on
// seqsChannel.
func (o *Orchestrator) resetSequences(ctx context.Context, s *db.Session, dsn string, t *schema.TableSpec) error {
	stop := o.Stats.ScopedTimer("Reset Sequences")
	defer stop()

	listener := pq.NewListener(dsn, 1*time.Second, 10*time.Second, nil)
	defer listener.Close()
	if err := listener.Listen(seqsChannel); err != nil {
		return err
	}

	block := resetSequencesBlock(t)
	if _, err := s.ExecContext(ctx, block); err != nil {
		return err
	}

	count := drainSequenceCount(listener)
	o.Logger.LogSequenceReset(t.QualifiedName(), t.Name+"_*_seq", count)
	return nil
}

// drainSequenceCount waits up to notifyDrainDeadline for exactly one
// notification on listener.Notify; if none arrives (the DO block touched
// zero sequences) it returns 0 without blocking further.
func drainSequenceCount(listener *pq.Listener) int64 {
	select {
	case n := <-listener.Notify:
		if n == nil {
			return 0
		}
		var count int64
		fmt.Sscanf(n.Extra, "%d", &count)
		return count
	case <-time.After(notifyDrainDeadline):
		return 0
	}
}

// resetSequencesBlock builds the anonymous PL/pgSQL procedure that resets
// every nextval-defaulted column's sequence to greatest(max(col), 1), and
// pg_notifies the touched count.
func resetSequencesBlock(t *schema.TableSpec) string {
	var seqResets strings.Builder
	for _, c := range t.Columns {
		if c.Default == nil || !strings.Contains(*c.Default, "nextval") {
			continue
		}
		fmt.Fprintf(&seqResets, `
    PERFORM setval(pg_get_serial_sequence(%s, %s),
                    greatest((SELECT max(%s) FROM %s), 1));
    touched := touched + 1;`,
			pq.QuoteLiteral(t.QualifiedName()), pq.QuoteLiteral(c.Name),
			pq.QuoteIdentifier(c.Name), t.QualifiedName())
	}

	return fmt.Sprintf(`DO $pgbulk_seq_reset$
DECLARE
    touched int := 0;
BEGIN%s
    IF touched > 0 THEN
        PERFORM pg_notify(%s, touched::text);
    END IF;
END
$pgbulk_seq_reset$;`, seqResets.String(), pq.QuoteLiteral(seqsChannel))
}

// applyComments applies table and column comments via dollar-quoting with
// a random tag so a comment body containing "$$" cannot prematurely close
// the quote.
func (o *Orchestrator) applyComments(ctx context.Context, s *db.Session, opts CompleteOptions) error {
	for table, comment := range opts.TableComments {
		tag := randomDollarTag()
		stmt := fmt.Sprintf("COMMENT ON TABLE %s IS $%s$%s$%s$", table, tag, comment, tag)
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			if !o.reportStatement(err, "table comment failed", table) {
				return err
			}
		}
	}
	for col, comment := range opts.ColumnComments {
		tag := randomDollarTag()
		stmt := fmt.Sprintf("COMMENT ON COLUMN %s IS $%s$%s$%s$", col, tag, comment, tag)
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			if !o.reportStatement(err, "column comment failed", col) {
				return err
			}
		}
	}
	return nil
}

// randomDollarTag returns an 11-character tag of the form [A-Z]{5}_[A-Z]{5},
// derived from a random uuid so concurrent comment statements never
// collide on their dollar-quote delimiter.
func randomDollarTag() string {
	id := uuid.New()
	out := make([]byte, 11)
	for i := range out {
		if i == 5 {
			out[i] = '_'
			continue
		}
		b := i
		if i > 5 {
			b--
		}
		out[i] = 'A' + id[b]%26
	}
	return string(out)
}

func createTableSQL(t *schema.TableSpec) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		col := fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), c.TargetType)
		if !c.Nullable {
			col += " NOT NULL"
		}
		if c.Default != nil {
			col += " DEFAULT " + *c.Default
		}
		cols[i] = col
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.QualifiedName(), strings.Join(cols, ", "))
}

func tableOID(ctx context.Context, s *db.Session, t *schema.TableSpec) (string, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT c.oid FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE n.nspname = $1 AND c.relname = $2",
		t.Schema, t.Name)
	if err != nil {
		return "", err
	}
	var oid string
	if err := db.ScanFirstValue(rows, &oid); err != nil {
		return "", err
	}
	if oid == "" {
		return "", &pgerrors.NotFoundError{Table: t.QualifiedName()}
	}
	return oid, nil
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}
