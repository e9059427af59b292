// SPDX-License-Identifier: Apache-2.0

// Package mysqlreader is the MySQL source reader: it opens
// `SELECT col1, ... FROM \`table\`` on a per-connection charset and
// substitutes NULL for cells that fail to decode under it.
package mysqlreader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// Reader streams every row of one MySQL table/query in column order.
type Reader struct {
	Spec    schema.ConnectionSpec
	Table   string
	Columns []string
	Charset string

	Label  string
	Stats  *stats.Stats
	Logger plog.Logger
}

// New builds a MySQL Reader from a resolved source reference and load-
// spec config.
func New(ref connstr.SourceRef, cfg reader.Config) (*Reader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = plog.NewNoop()
	}
	st := cfg.Stats
	if st == nil {
		st = stats.New()
	}
	var columns []string
	if cfg.Table != nil {
		columns = cfg.Table.ColumnNames()
	}
	return &Reader{
		Spec:    ref.MySQL,
		Table:   cfg.SourceTable,
		Columns: columns,
		Charset: cfg.MySQLCharset,
		Label:   cfg.Label,
		Stats:   st,
		Logger:  logger,
	}, nil
}

func (r *Reader) dsn() string {
	charset := r.Charset
	if charset == "" {
		charset = "utf8mb4"
	}

	var b strings.Builder
	if r.Spec.User != "" {
		fmt.Fprintf(&b, "%s", r.Spec.User)
		if r.Spec.Password != "" {
			fmt.Fprintf(&b, ":%s", r.Spec.Password)
		}
		b.WriteByte('@')
	}
	host := r.Spec.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Spec.Port
	if port == 0 {
		port = 3306
	}
	fmt.Fprintf(&b, "tcp(%s:%d)/%s?charset=%s", host, port, r.Spec.DBName, charset)
	return b.String()
}

// MapRows implements reader.Reader.
func (r *Reader) MapRows(ctx context.Context, emit reader.EmitFunc) error {
	db, err := sqlx.Open("mysql", r.dsn())
	if err != nil {
		return pgerrors.NewConnectError(r.Spec.Host, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return pgerrors.NewConnectError(r.Spec.Host, err)
	}

	query := fmt.Sprintf("SELECT %s FROM `%s`", columnList(r.Columns), r.Table)
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		if isTableMissing(err) {
			return &pgerrors.NotFoundError{Table: r.Table}
		}
		return pgerrors.NewConnectError(r.Spec.Host, err)
	}
	defer rows.Close()

	dest := make([]interface{}, len(r.Columns))
	raw := make([]sql.RawBytes, len(r.Columns))
	for i := range dest {
		dest[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			if isDecodeError(err) {
				r.Stats.Incr(r.Label, stats.Errs, 1)
				r.Logger.LogDecodeError(r.Label, "<row>", 0, err)
				continue
			}
			return err
		}

		row := r.decodeRow(raw)

		r.Stats.Incr(r.Label, stats.Read, 1)
		if err := emit(ctx, row); err != nil {
			if _, ok := err.(reader.Cancelled); ok {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// decodeRow converts raw column bytes to *string cells, substituting NULL
// for any cell whose bytes are not valid UTF-8 once decoded under the
// reader's charset (MySQL's EndOfInputInCharacter/CharacterDecodingError
// class of errors).
func (r *Reader) decodeRow(raw []sql.RawBytes) schema.Row {
	row := make(schema.Row, len(raw))
	for i, b := range raw {
		if b == nil {
			row[i] = nil
			continue
		}
		if !isValidUTF8(b) {
			r.Stats.Incr(r.Label, stats.Errs, 1)
			name := "?"
			if i < len(r.Columns) {
				name = r.Columns[i]
			}
			r.Logger.LogDecodeError(r.Label, name, i, errors.New("invalid byte sequence for charset"))
			row[i] = nil
			continue
		}
		v := string(b)
		row[i] = &v
	}
	return row
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// isTableMissing reports MySQL server error 1146 (ER_NO_SUCH_TABLE).
func isTableMissing(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1146
}

func isDecodeError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EndOfInputInCharacter") || strings.Contains(msg, "CharacterDecodingError") ||
		strings.Contains(msg, "invalid byte sequence")
}

func columnList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ", ")
}
