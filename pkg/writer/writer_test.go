// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
	"github.com/pgbulk/pgbulk/pkg/testutils"
)

func TestMain(m *testing.M) { testutils.SharedTestMain(m) }

func strp(s string) *string { return &s }

func widgetsTable() *schema.TableSpec {
	return &schema.TableSpec{
		Schema: "public",
		Name:   "widgets",
		Columns: []*schema.ColumnSpec{
			{Name: "id", TargetType: "int"},
			{Name: "sku", TargetType: "text"},
		},
	}
}

func createWidgets(t *testing.T, s *db.Session) {
	t.Helper()
	_, err := s.ExecContext(context.Background(), `CREATE TABLE widgets (id int, sku text)`)
	require.NoError(t, err)
}

func rowsOf(skus ...string) []schema.Row {
	rows := make([]schema.Row, len(skus))
	for i, sku := range skus {
		rows[i] = schema.Row{strp("1"), strp(sku)}
	}
	return rows
}

func TestCopyFromQueueCommitsEachBatchAndTallysRows(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		createWidgets(t, s)

		table := widgetsTable()
		queue := make(chan *schema.Batch, 2)
		queue <- &schema.Batch{Rows: rowsOf("alpha", "bravo"), StartOrdinal: 0}
		queue <- &schema.Batch{Rows: rowsOf("charlie"), StartOrdinal: 2}
		close(queue)

		st := stats.New()
		w := New(nil)
		result, err := w.CopyFromQueue(context.Background(), spec, nil, table, queue, Options{}, st)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Rows)
		assert.Equal(t, int64(0), result.Errs)

		var count int
		require.NoError(t, s.Conn().QueryRowContext(context.Background(), `SELECT count(*) FROM widgets`).Scan(&count))
		assert.Equal(t, 3, count)
	})
}

func TestCopyFromQueueTruncatesBeforeFirstBatch(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		createWidgets(t, s)
		_, err := s.ExecContext(context.Background(), `INSERT INTO widgets VALUES (99, 'stale')`)
		require.NoError(t, err)

		table := widgetsTable()
		queue := make(chan *schema.Batch, 1)
		queue <- &schema.Batch{Rows: rowsOf("fresh"), StartOrdinal: 0}
		close(queue)

		st := stats.New()
		w := New(nil)
		_, err = w.CopyFromQueue(context.Background(), spec, nil, table, queue, Options{Truncate: true}, st)
		require.NoError(t, err)

		var skus []string
		rows, err := s.Conn().QueryContext(context.Background(), `SELECT sku FROM widgets`)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var sku string
			require.NoError(t, rows.Scan(&sku))
			skus = append(skus, sku)
		}
		assert.Equal(t, []string{"fresh"}, skus)
	})
}

func TestCopyFromQueueDisablesAndReenablesTriggers(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		createWidgets(t, s)
		_, err := s.ExecContext(context.Background(), `CREATE FUNCTION widgets_noop() RETURNS trigger LANGUAGE plpgsql AS $$BEGIN RETURN NEW; END$$`)
		require.NoError(t, err)
		_, err = s.ExecContext(context.Background(), `CREATE TRIGGER widgets_noop BEFORE INSERT ON widgets FOR EACH ROW EXECUTE FUNCTION widgets_noop()`)
		require.NoError(t, err)

		table := widgetsTable()
		queue := make(chan *schema.Batch, 1)
		queue <- &schema.Batch{Rows: rowsOf("alpha"), StartOrdinal: 0}
		close(queue)

		st := stats.New()
		w := New(nil)
		_, err = w.CopyFromQueue(context.Background(), spec, nil, table, queue, Options{DisableTriggers: true}, st)
		require.NoError(t, err)

		var triggersEnabled string
		require.NoError(t, s.Conn().QueryRowContext(context.Background(),
			`SELECT tgenabled FROM pg_trigger WHERE tgrelid = 'widgets'::regclass LIMIT 1`,
		).Scan(&triggersEnabled))
		assert.Equal(t, "O", triggersEnabled)
	})
}

func TestCommitWithSplitHalvesOnRecoverableFailureAndDropsSingleton(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		_, err := s.ExecContext(context.Background(), `CREATE TABLE widgets (id int NOT NULL, sku text)`)
		require.NoError(t, err)

		table := widgetsTable()
		// The third row (a NULL id fails the NOT NULL constraint) is the
		// single bad row; the batch must split down to it and commit the
		// other three, not abort the whole batch.
		batch := &schema.Batch{
			Rows: []schema.Row{
				{strp("1"), strp("alpha")},
				{strp("2"), strp("bravo")},
				{nil, strp("bad")},
				{strp("4"), strp("delta")},
			},
			StartOrdinal: 0,
		}

		st := stats.New()
		w := New(nil)
		rows, errs, err := w.commitWithSplit(context.Background(), s, table, table.ColumnNames(), batch, "public.widgets", st)
		require.NoError(t, err)
		assert.Equal(t, int64(3), rows)
		assert.Equal(t, int64(1), errs)

		var count int
		require.NoError(t, s.Conn().QueryRowContext(context.Background(), `SELECT count(*) FROM widgets`).Scan(&count))
		assert.Equal(t, 3, count)
	})
}

func TestCommitWithSplitPropagatesFatalNonDatabaseError(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		createWidgets(t, s)
		require.NoError(t, s.Close())

		table := widgetsTable()
		batch := &schema.Batch{Rows: rowsOf("alpha"), StartOrdinal: 0}

		st := stats.New()
		w := New(nil)
		_, _, err := w.commitWithSplit(context.Background(), s, table, table.ColumnNames(), batch, "public.widgets", st)
		require.Error(t, err)
	})
}
