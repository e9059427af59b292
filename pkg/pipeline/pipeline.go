// SPDX-License-Identifier: Apache-2.0

// Package pipeline is the per-table pipeline runtime: it spawns a reader
// task (P) and a writer task (C) sharing a bounded queue of batches,
// joins them, and propagates the first fatal error.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
	"github.com/pgbulk/pgbulk/pkg/writer"
)

// BatchConfig controls when the producer cuts a new batch and how many
// batches may be in flight at once.
type BatchConfig struct {
	Rows              int
	Bytes             int
	ConcurrentBatches int
}

// Config bundles everything one table's pipeline run needs.
type Config struct {
	Reader   reader.Reader
	Target   schema.ConnectionSpec
	Settings []db.Setting
	Table    *schema.TableSpec
	Writer   writer.Options
	Batch    BatchConfig
	Stats    *stats.Stats
	Logger   plog.Logger
}

// Run executes one table's pipeline lifecycle: open queue, spawn P and
// C, join, and propagate the first fatal error. Rows are committed in
// source order except across a split batch's two halves (writer.Writer's
// concern, not this package's).
//
// Cancellation uses context cancellation rather than a sentinel queue
// value: a fatal writer error cancels a derived context, which the
// producer observes on its next blocked queue send (at most one
// batch-rows worth of additional reads past the failure) and returns.
func Run(ctx context.Context, cfg Config) (writer.Result, error) {
	transforms, err := resolveTransforms(cfg.Table)
	if err != nil {
		return writer.Result{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = plog.NewNoop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := cfg.Batch.ConcurrentBatches
	if concurrency < 1 {
		concurrency = 1
	}
	queue := make(chan *schema.Batch, concurrency)

	w := writer.New(logger)

	var result writer.Result
	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		result, writerErr = w.CopyFromQueue(runCtx, cfg.Target, cfg.Settings, cfg.Table, queue, cfg.Writer, cfg.Stats)
		if writerErr != nil {
			cancel()
		}
	}()

	readerErr := produce(runCtx, cfg.Reader, queue, cfg.Batch, cfg.Table, transforms, cfg.Stats, logger)
	close(queue)
	<-writerDone

	if writerErr != nil {
		if errors.Is(writerErr, context.Canceled) && ctx.Err() != nil {
			// The writer died of the caller's own cancellation, not a
			// failure of its own.
			return result, &pgerrors.CancelledError{Reason: "pipeline cancelled"}
		}
		return result, writerErr
	}
	return result, readerErr
}

// resolveTransforms builds the per-column transform slice for table,
// positional with its Columns, resolving each non-empty TransformFn
// against reader.TransformFuncs up front so an unknown name fails fast
// rather than surfacing mid-stream.
func resolveTransforms(table *schema.TableSpec) ([]reader.TransformFunc, error) {
	transforms := make([]reader.TransformFunc, len(table.Columns))
	for i, col := range table.Columns {
		if col.TransformFn == "" {
			continue
		}
		fn, ok := reader.LookupTransform(col.TransformFn)
		if !ok {
			return nil, &pgerrors.ConfigError{Reason: fmt.Sprintf(
				"table %q column %q: unknown transform_fn %q", table.QualifiedName(), col.Name, col.TransformFn)}
		}
		transforms[i] = fn
	}
	return transforms, nil
}

// produce runs the reader to completion, accumulating rows into batches
// of at most Batch.Rows rows or Batch.Bytes bytes and pushing each full
// batch onto queue; it flushes the final partial batch once the reader
// returns. Each row has transforms applied, column by column, before it
// joins a batch; a cell whose transform fails is logged and the row is
// dropped, the same recover-and-continue treatment a decode error gets.
func produce(
	ctx context.Context,
	r reader.Reader,
	queue chan<- *schema.Batch,
	cfg BatchConfig,
	table *schema.TableSpec,
	transforms []reader.TransformFunc,
	st *stats.Stats,
	logger plog.Logger,
) error {
	label := table.QualifiedName()
	rowsCap := cfg.Rows
	if rowsCap < 1 {
		rowsCap = 1
	}
	bytesCap := cfg.Bytes

	var ordinal int64
	current := &schema.Batch{StartOrdinal: ordinal}

	push := func() error {
		if current.Len() == 0 {
			return nil
		}
		select {
		case queue <- current:
		case <-ctx.Done():
			return reader.Cancelled{}
		}
		ordinal += int64(current.Len())
		current = &schema.Batch{StartOrdinal: ordinal}
		return nil
	}

	err := r.MapRows(ctx, func(_ context.Context, row schema.Row) error {
		if !applyTransforms(row, transforms, table, label, ordinal+int64(current.Len()), st, logger) {
			return nil
		}
		current.Rows = append(current.Rows, row)
		current.ByteSize += rowByteSize(row)

		if current.Len() >= rowsCap || (bytesCap > 0 && current.ByteSize >= bytesCap) {
			return push()
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Flush the trailing partial batch; a cancellation observed here is
	// not an error, it's the same clean stop as mid-stream cancellation.
	if ferr := push(); ferr != nil {
		if _, ok := ferr.(reader.Cancelled); ok {
			return nil
		}
		return ferr
	}
	return nil
}

// applyTransforms runs each column's resolved TransformFunc over row in
// place, column by column, skipping NULL cells. It reports false if a
// transform failed, in which case the row must not be queued; the failure
// has then already been counted under label's errs and logged.
func applyTransforms(row schema.Row, transforms []reader.TransformFunc, table *schema.TableSpec, label string, ordinal int64, st *stats.Stats, logger plog.Logger) bool {
	for i, fn := range transforms {
		if fn == nil || i >= len(row) || row[i] == nil {
			continue
		}
		out, err := fn(*row[i])
		if err != nil {
			st.Incr(label, stats.Errs, 1)
			logger.LogDecodeError(label, table.Columns[i].Name, int(ordinal), err)
			return false
		}
		row[i] = &out
	}
	return true
}

func rowByteSize(row schema.Row) int {
	n := 0
	for _, c := range row {
		if c != nil {
			n += len(*c)
		}
	}
	return n
}
