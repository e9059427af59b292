// SPDX-License-Identifier: Apache-2.0

// Package writer drains a table's batch queue and streams each batch
// into PostgreSQL over the COPY wire protocol, one transaction per
// batch, splitting and retrying on recoverable failures.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// Options configures one table's COPY stream.
type Options struct {
	// Columns is the explicit, ordered COPY column list. If empty, it is
	// derived from the TableSpec.
	Columns []string

	// Truncate empties the target table before the first batch streams.
	Truncate bool

	// DisableTriggers brackets the whole stream with
	// ALTER TABLE ... DISABLE/ENABLE TRIGGER ALL.
	DisableTriggers bool
}

// Result is the row/error tally for one table's stream, returned once the
// queue is drained (or a fatal error aborts it).
type Result struct {
	Rows int64
	Errs int64
}

// Writer drives copy_from_queue for one table on a dedicated session.
type Writer struct {
	Logger plog.Logger
}

// New returns a Writer; a nil Logger uses plog.NewNoop.
func New(logger plog.Logger) *Writer {
	if logger == nil {
		logger = plog.NewNoop()
	}
	return &Writer{Logger: logger}
}

// CopyFromQueue runs the per-table writer lifecycle: open session,
// optionally truncate and disable triggers, then drain batches from
// queue until it is closed, committing each in its own transaction and
// splitting on recoverable failure.
func (w *Writer) CopyFromQueue(
	ctx context.Context,
	spec schema.ConnectionSpec,
	settings []db.Setting,
	table *schema.TableSpec,
	queue <-chan *schema.Batch,
	opts Options,
	st *stats.Stats,
) (Result, error) {
	label := table.QualifiedName()
	columns := opts.Columns
	if len(columns) == 0 {
		columns = table.ColumnNames()
	}

	s, err := db.Open(ctx, spec, settings)
	if err != nil {
		return Result{}, err
	}
	defer s.Close()

	if opts.Truncate {
		if _, err := s.ExecTimed(ctx, label, fmt.Sprintf("TRUNCATE %s", table.QualifiedName()), st); err != nil {
			return Result{}, err
		}
	}

	if opts.DisableTriggers {
		if _, err := s.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DISABLE TRIGGER ALL", table.QualifiedName())); err != nil {
			return Result{}, err
		}
		defer func() {
			_, _ = s.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ENABLE TRIGGER ALL", table.QualifiedName()))
		}()
	}

	var result Result
	for batch := range queue {
		n, errs, err := w.commitWithSplit(ctx, s, table, columns, batch, label, st)
		result.Rows += n
		result.Errs += errs
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// commitWithSplit attempts to commit batch whole; on a recoverable
// DatabaseError it halves the batch and recurses into both halves,
// terminating at singleton batches, which are logged and dropped.
func (w *Writer) commitWithSplit(
	ctx context.Context,
	s *db.Session,
	table *schema.TableSpec,
	columns []string,
	batch *schema.Batch,
	label string,
	st *stats.Stats,
) (rows int64, errs int64, err error) {
	n, commitErr := w.commitBatch(ctx, s, table, columns, batch)
	if commitErr == nil {
		st.Incr(label, stats.Rows, n)
		return n, 0, nil
	}

	if _, ok := pgerrors.AsDatabaseError(commitErr); !ok {
		// Not a recoverable database error (e.g. connection lost): fatal.
		return 0, 0, commitErr
	}

	if batch.Len() == 1 {
		preview := rowPreview(batch.Rows[0])
		w.Logger.LogRowError(label, batch.StartOrdinal, preview, commitErr)
		st.Incr(label, stats.Errs, 1)
		return 0, 1, nil
	}

	w.Logger.LogBatchSplit(label, batch.StartOrdinal, batch.Len())
	left, right := batch.Split()

	leftRows, leftErrs, err := w.commitWithSplit(ctx, s, table, columns, left, label, st)
	if err != nil {
		return leftRows, leftErrs, err
	}
	rightRows, rightErrs, err := w.commitWithSplit(ctx, s, table, columns, right, label, st)
	return leftRows + rightRows, leftErrs + rightErrs, err
}

// commitBatch runs one BEGIN / COPY / COMMIT cycle for batch, returning
// the batch's row count once the cycle has succeeded.
func (w *Writer) commitBatch(ctx context.Context, s *db.Session, table *schema.TableSpec, columns []string, batch *schema.Batch) (int64, error) {
	var rows int64
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		stmt, err := s.Tx().PrepareContext(ctx, pq.CopyInSchema(table.Schema, table.Name, columns...))
		if err != nil {
			return err
		}

		for _, row := range batch.Rows {
			args := make([]interface{}, len(row))
			for i, cell := range row {
				if cell == nil {
					args[i] = nil
				} else {
					args[i] = *cell
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				return err
			}
		}

		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return err
		}
		rows = int64(batch.Len())
		return stmt.Close()
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

func rowPreview(row schema.Row) string {
	cells := make([]string, len(row))
	for i, c := range row {
		if c == nil {
			cells[i] = "\\N"
		} else {
			cells[i] = *c
		}
	}
	preview := strings.Join(cells, ",")
	const maxPreview = 200
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "…"
	}
	return preview
}
