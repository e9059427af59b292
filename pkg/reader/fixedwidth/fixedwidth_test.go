// SPDX-License-Identifier: Apache-2.0

package fixedwidth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/reader/fixedwidth"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

func fields() []reader.FieldSpec {
	return []reader.FieldSpec{
		{Name: "id", Start: 0, Length: 4},
		{Name: "name", Start: 4, Length: 6},
		{Name: "amount", Start: 10, Length: 5},
	}
}

func cell(v string) *string { return &v }

func TestMapRowsParsesFixedWidthLines(t *testing.T) {
	const input = "0001ALICE 00030\n0002BOB   00045\n"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  stats.New(),
	})
	require.NoError(t, err)

	var rows []schema.Row
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, cell("0001"), rows[0][0])
	assert.Equal(t, cell("ALICE"), rows[0][1])
	assert.Equal(t, cell("00030"), rows[0][2])
	assert.Equal(t, cell("0002"), rows[1][0])
	assert.Equal(t, cell("BOB"), rows[1][1])
	assert.Equal(t, cell("00045"), rows[1][2])
}

func TestMapRowsRaggedRightLineTakesAvailableSuffix(t *testing.T) {
	// Line is shorter than the declared amount field's range; the field
	// starts inside the line, so it takes what is there.
	const input = "0003CARL  000"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  stats.New(),
	})
	require.NoError(t, err)

	var rows []schema.Row
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, cell("0003"), rows[0][0])
	assert.Equal(t, cell("CARL"), rows[0][1])
	assert.Equal(t, cell("000"), rows[0][2])
}

func TestMapRowsAllPaddingFieldIsEmptyNotNull(t *testing.T) {
	const input = "0005      00015"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  stats.New(),
	})
	require.NoError(t, err)

	var rows []schema.Row
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, cell(""), rows[0][1])
}

func TestMapRowsFieldStartBeyondLineIsNull(t *testing.T) {
	const input = "0004X"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  stats.New(),
	})
	require.NoError(t, err)

	var rows []schema.Row
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Nil(t, rows[0][2])
}

func TestMapRowsSkipsLeadingLines(t *testing.T) {
	const input = "HEADER\n0001ALICE 00030\n"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields:    fields(),
		Label:     "accounts",
		Stats:     stats.New(),
		SkipLines: 1,
	})
	require.NoError(t, err)

	var rows []schema.Row
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, cell("0001"), rows[0][0])
}

func TestMapRowsStopsOnCancellation(t *testing.T) {
	const input = "0001ALICE 00030\n0002BOB   00045\n0003CARL  00060\n"

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  stats.New(),
	})
	require.NoError(t, err)

	seen := 0
	err = r.MapRows(context.Background(), func(_ context.Context, row schema.Row) error {
		seen++
		if seen == 1 {
			return reader.Cancelled{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestMapRowsIncrementsReadStats(t *testing.T) {
	const input = "0001ALICE 00030\n0002BOB   00045\n"
	st := stats.New()

	r, err := fixedwidth.New(connstr.SourceRef{Stream: connstr.StreamInline, Descriptor: input}, reader.Config{
		Fields: fields(),
		Label:  "accounts",
		Stats:  st,
	})
	require.NoError(t, err)

	err = r.MapRows(context.Background(), func(_ context.Context, _ schema.Row) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, int64(2), st.Snapshot("accounts").Read)
}
