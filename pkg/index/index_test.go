// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
	"github.com/pgbulk/pgbulk/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func table() *schema.TableSpec {
	return &schema.TableSpec{
		Schema: "public",
		Name:   "widgets",
		Columns: []*schema.ColumnSpec{
			{Name: "id", TargetType: "int"},
			{Name: "sku", TargetType: "text"},
		},
	}
}

func createTable(t *testing.T, s *db.Session, tbl *schema.TableSpec) {
	t.Helper()
	_, err := s.ExecContext(context.Background(), fmt.Sprintf(
		"CREATE TABLE %s (id int, sku text)", tbl.QualifiedName()))
	require.NoError(t, err)
}

func TestKernelBuildsIndexAndCollectsUnique(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		tbl := table()
		createTable(t, s, tbl)

		st := stats.New()
		k := New(2, true, plog.NewNoop(), st)

		tbl.OID = "42"
		uniqueIdx := &schema.IndexSpec{Name: "sku_idx", Table: tbl, Unique: true, SQL: "(sku)"}
		plainIdx := &schema.IndexSpec{Name: "id_idx", Table: tbl, SQL: "(id)"}

		jobs := make(chan *Job, 2)
		jobs <- &Job{Table: tbl, Index: uniqueIdx}
		jobs <- &Job{Table: tbl, Index: plainIdx}
		close(jobs)

		k.Run(context.Background(), spec, nil, jobs)

		uniques := k.Uniques()
		require.Len(t, uniques, 1)
		assert.Same(t, uniqueIdx, uniques[0])

		snap := st.Snapshot(Label)
		assert.Equal(t, int64(0), snap.Errs)

		var exists bool
		row := s.Conn().QueryRowContext(context.Background(),
			"select exists(select 1 from pg_indexes where indexname = 'sku_idx_42')")
		require.NoError(t, row.Scan(&exists))
		assert.True(t, exists)
	})
}

func TestKernelReportsFailureWithoutAbortingPool(t *testing.T) {
	testutils.WithSessionToContainer(t, nil, func(s *db.Session, spec schema.ConnectionSpec) {
		tbl := table()
		createTable(t, s, tbl)
		tbl.OID = "7"

		st := stats.New()
		k := New(1, true, plog.NewNoop(), st)

		badIdx := &schema.IndexSpec{Name: "bad_idx", Table: tbl, SQL: "(does_not_exist)"}
		goodIdx := &schema.IndexSpec{Name: "id_idx", Table: tbl, SQL: "(id)"}

		jobs := make(chan *Job, 2)
		jobs <- &Job{Table: tbl, Index: badIdx}
		jobs <- &Job{Table: tbl, Index: goodIdx}
		close(jobs)

		k.Run(context.Background(), spec, nil, jobs)

		snap := st.Snapshot(Label)
		assert.Equal(t, int64(1), snap.Errs)

		var exists bool
		row := s.Conn().QueryRowContext(context.Background(),
			"select exists(select 1 from pg_indexes where indexname = 'id_idx_7')")
		require.NoError(t, row.Scan(&exists))
		assert.True(t, exists)
	})
}

func TestIndexNamePreserveModeUsesRawName(t *testing.T) {
	tbl := table()
	tbl.OID = "99"
	k := New(1, false, plog.NewNoop(), stats.New())

	name := k.indexName(&schema.IndexSpec{Name: "raw_idx", Table: tbl})
	assert.Equal(t, "raw_idx", name)
}

func TestIndexNameUniquifyModeSuffixesOID(t *testing.T) {
	tbl := table()
	tbl.OID = "99"
	k := New(1, true, plog.NewNoop(), stats.New())

	name := k.indexName(&schema.IndexSpec{Name: "raw_idx", Table: tbl})
	assert.Equal(t, "raw_idx_99", name)
}

func TestStatementBuildsUniqueAndPlainForms(t *testing.T) {
	tbl := table()
	k := New(1, false, plog.NewNoop(), stats.New())

	plain := k.statement(&Job{Table: tbl, Index: &schema.IndexSpec{Name: "x", SQL: "(id)"}}, "x")
	assert.Equal(t, `CREATE INDEX CONCURRENTLY "x" ON public.widgets (id)`, plain)

	unique := k.statement(&Job{Table: tbl, Index: &schema.IndexSpec{Name: "y", Unique: true, SQL: "(sku)"}}, "y")
	assert.Equal(t, `CREATE UNIQUE INDEX CONCURRENTLY "y" ON public.widgets (sku)`, unique)
}
