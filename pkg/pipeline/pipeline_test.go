// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

func oneColumnTable() *schema.TableSpec {
	return &schema.TableSpec{
		Schema:  "public",
		Name:    "t",
		Columns: []*schema.ColumnSpec{{Name: "v"}},
	}
}

type fakeReader struct {
	rows []schema.Row
}

func (f *fakeReader) MapRows(ctx context.Context, emit reader.EmitFunc) error {
	for _, r := range f.rows {
		if err := emit(ctx, r); err != nil {
			if _, ok := err.(reader.Cancelled); ok {
				return nil
			}
			return err
		}
	}
	return nil
}

func cellRow(vals ...string) schema.Row {
	row := make(schema.Row, len(vals))
	for i, v := range vals {
		v := v
		row[i] = &v
	}
	return row
}

func TestProduceCutsBatchesAtRowCap(t *testing.T) {
	rows := []schema.Row{cellRow("1"), cellRow("2"), cellRow("3"), cellRow("4"), cellRow("5")}
	r := &fakeReader{rows: rows}

	queue := make(chan *schema.Batch, 10)
	table := oneColumnTable()
	err := produce(context.Background(), r, queue, BatchConfig{Rows: 2}, table, make([]reader.TransformFunc, 1), stats.New(), plog.NewNoop())
	require.NoError(t, err)
	close(queue)

	var batches []*schema.Batch
	for b := range queue {
		batches = append(batches, b)
	}

	require.Len(t, batches, 3)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 2, batches[1].Len())
	assert.Equal(t, 1, batches[2].Len())
	assert.Equal(t, int64(0), batches[0].StartOrdinal)
	assert.Equal(t, int64(2), batches[1].StartOrdinal)
	assert.Equal(t, int64(4), batches[2].StartOrdinal)
}

func TestProduceCutsBatchesAtByteCap(t *testing.T) {
	rows := []schema.Row{cellRow("aaaa"), cellRow("bbbb"), cellRow("cccc")}
	r := &fakeReader{rows: rows}

	queue := make(chan *schema.Batch, 10)
	table := oneColumnTable()
	err := produce(context.Background(), r, queue, BatchConfig{Rows: 100, Bytes: 8}, table, make([]reader.TransformFunc, 1), stats.New(), plog.NewNoop())
	require.NoError(t, err)
	close(queue)

	var batches []*schema.Batch
	for b := range queue {
		batches = append(batches, b)
	}
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 1, batches[1].Len())
}

func TestProduceStopsPromptlyOnCancellation(t *testing.T) {
	rows := make([]schema.Row, 100)
	for i := range rows {
		rows[i] = cellRow("x")
	}
	r := &fakeReader{rows: rows}

	ctx, cancel := context.WithCancel(context.Background())
	// Unbuffered: the first push blocks until something drains it.
	queue := make(chan *schema.Batch)

	table := oneColumnTable()
	done := make(chan error, 1)
	go func() {
		done <- produce(ctx, r, queue, BatchConfig{Rows: 1}, table, make([]reader.TransformFunc, 1), stats.New(), plog.NewNoop())
	}()

	// Drain exactly one batch, then cancel instead of continuing to drain.
	<-queue
	cancel()

	err := <-done
	assert.NoError(t, err)
}

func TestResolveTransformsAppliesNamedTransform(t *testing.T) {
	table := &schema.TableSpec{
		Schema:  "public",
		Name:    "t",
		Columns: []*schema.ColumnSpec{{Name: "v", TransformFn: "upper"}},
	}
	transforms, err := resolveTransforms(table)
	require.NoError(t, err)

	rows := []schema.Row{cellRow("abc")}
	r := &fakeReader{rows: rows}
	queue := make(chan *schema.Batch, 1)
	require.NoError(t, produce(context.Background(), r, queue, BatchConfig{Rows: 10}, table, transforms, stats.New(), plog.NewNoop()))
	close(queue)

	batch := <-queue
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "ABC", *batch.Rows[0][0])
}

func TestResolveTransformsRejectsUnknownName(t *testing.T) {
	table := &schema.TableSpec{
		Schema:  "public",
		Name:    "t",
		Columns: []*schema.ColumnSpec{{Name: "v", TransformFn: "does_not_exist"}},
	}
	_, err := resolveTransforms(table)
	require.Error(t, err)
	var cfgErr *pgerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestProduceDropsRowOnTransformError(t *testing.T) {
	table := oneColumnTable()
	transforms := []reader.TransformFunc{func(string) (string, error) {
		return "", fmt.Errorf("boom")
	}}

	rows := []schema.Row{cellRow("a"), cellRow("b")}
	r := &fakeReader{rows: rows}
	queue := make(chan *schema.Batch, 10)
	st := stats.New()
	require.NoError(t, produce(context.Background(), r, queue, BatchConfig{Rows: 10}, table, transforms, st, plog.NewNoop()))
	close(queue)

	var batches []*schema.Batch
	for b := range queue {
		batches = append(batches, b)
	}
	assert.Empty(t, batches)
	assert.EqualValues(t, 2, st.Snapshot(table.QualifiedName()).Errs)
}
