// SPDX-License-Identifier: Apache-2.0

// Package db is the Pg connection manager: it opens and closes sessions,
// applies session settings ("GUCs"), scopes transactions, and translates
// driver errors into the pgerrors taxonomy.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// noticeLogger receives server notices and warnings out-of-band; they are
// logged at WARNING and muffled rather than surfaced as errors.
var noticeLogger = plog.New()

const (
	maxBackoffDuration = 1 * time.Minute
	backoffInterval    = 1 * time.Second
)

// DB is the minimal surface Session and the retry wrapper need from a
// *sql.DB or *sql.Conn, so tests can substitute a fake.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// RDB wraps a DB and retries queries using an exponential backoff (with
// jitter) on lock_timeout errors. Every statement issued through a
// Session's ExecContext, QueryContext or ApplySettings goes through one.
type RDB struct {
	DB DB
}

func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if isLockTimeout(err) {
			if werr := sleepCtx(ctx, b.Duration()); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, err
	}
}

func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if isLockTimeout(err) {
			if werr := sleepCtx(ctx, b.Duration()); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, err
	}
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgerrors.LockNotAvailableErrorCode
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Setting is one (name, value) GUC applied via SET [LOCAL] name TO 'value'.
type Setting struct {
	Name  string
	Value string
}

type txState int

const (
	txNone txState = iota
	txOpen
	txAborted
)

// ErrNestedTransaction is returned by WithTransaction when called while a
// transaction is already open on the same Session; nesting is forbidden
// by contract.
var ErrNestedTransaction = errors.New("nested with_transaction is forbidden")

// Session is a live handle to one dedicated physical connection plus its
// current transaction state. Sessions are never shared between tasks:
// each reader/writer/index task owns exactly one. Statements issued
// through a Session retry on lock_timeout via its RDB wrapper, so DDL
// contending for an ACCESS EXCLUSIVE lock waits out the holder instead
// of failing.
type Session struct {
	pool     *sql.DB
	conn     *sql.Conn
	rdb      *RDB
	settings []Setting
	tx       *sql.Tx
	state    txState
}

// Open resolves TCP vs. local-socket from spec.Host, connects, and
// immediately applies settings. It fails with *pgerrors.ConnectError on
// network or auth issues.
func Open(ctx context.Context, spec schema.ConnectionSpec, settings []Setting) (*Session, error) {
	dsn, addr := connstr.TargetDSN(spec)

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, pgerrors.NewConnectError(addr, err)
	}
	pool := sql.OpenDB(pq.ConnectorWithNoticeHandler(connector, func(notice *pq.Error) {
		noticeLogger.Warn("server notice", "severity", notice.Severity, "message", notice.Message)
	}))

	conn, err := pool.Conn(ctx)
	if err != nil {
		pool.Close()
		return nil, pgerrors.NewConnectError(addr, err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		pool.Close()
		return nil, pgerrors.NewConnectError(addr, err)
	}

	s := &Session{pool: pool, conn: conn, rdb: &RDB{DB: conn}, settings: settings}
	if err := s.ApplySettings(ctx, settings, false); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// WithSession scopes acquisition of a Session, guaranteeing release on
// every exit path (normal return, error, or panic).
func WithSession(ctx context.Context, spec schema.ConnectionSpec, settings []Setting, f func(*Session) error) (err error) {
	s, err := Open(ctx, spec, settings)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return f(s)
}

// ApplySettings sets each (name, value) via SET [LOCAL] name TO 'value'.
// LOCAL is used inside a transaction when local is true.
func (s *Session) ApplySettings(ctx context.Context, settings []Setting, local bool) error {
	for _, set := range settings {
		kw := "SET"
		if local {
			kw = "SET LOCAL"
		}
		q := fmt.Sprintf("%s %s TO %s", kw, pq.QuoteIdentifier(set.Name), pq.QuoteLiteral(set.Value))
		if _, err := s.rdb.ExecContext(ctx, q); err != nil {
			return s.translate(err)
		}
	}
	return nil
}

// WithTransaction runs f inside BEGIN/COMMIT, rolling back on any error or
// on context cancellation. Nested calls fail with ErrNestedTransaction.
func (s *Session) WithTransaction(ctx context.Context, f func(ctx context.Context) error) (err error) {
	if s.state == txOpen {
		return ErrNestedTransaction
	}
	if s.state == txAborted {
		return fmt.Errorf("session is aborted and may only be rolled back")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.translate(err)
	}
	s.tx = tx
	s.state = txOpen

	if len(s.settings) > 0 {
		if err := s.ApplySettings(ctx, s.settings, true); err != nil {
			s.rollback()
			return err
		}
	}

	if err := f(ctx); err != nil {
		s.rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		// A failed COMMIT terminates the transaction server-side; the
		// session enters the aborted state, which may only be rolled back.
		// Rolling back here restores the session for its next transaction
		// (the writer retries split halves of a failed batch on it).
		s.state = txAborted
		s.rollback()
		return s.translate(err)
	}

	s.state = txNone
	s.tx = nil
	return nil
}

func (s *Session) rollback() {
	if s.tx != nil {
		_ = s.tx.Rollback()
	}
	s.tx = nil
	s.state = txNone
}

// Tx returns the currently open transaction, or nil outside WithTransaction.
func (s *Session) Tx() *sql.Tx { return s.tx }

// Conn returns the underlying dedicated connection, for components (like
// the writer's COPY framing) that need direct driver access.
func (s *Session) Conn() *sql.Conn { return s.conn }

// ExecContext runs a statement outside of any explicit transaction scope
// (auto-commit), retrying on lock_timeout and translating driver errors
// into the pgerrors taxonomy.
func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.rdb.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, s.translate(err)
	}
	return res, nil
}

// QueryContext runs a query outside of any explicit transaction scope,
// retrying on lock_timeout.
func (s *Session) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.translate(err)
	}
	return rows, nil
}

// ExecTimed executes sql, recording elapsed wall-clock time into st under
// label. On a *pgerrors.DatabaseError it increments errs for label and
// does not roll back any rows already attributed to label - callers that
// need the "rows -= dropped" behavior (the writer) do that themselves.
func (s *Session) ExecTimed(ctx context.Context, label, sql string, st *stats.Stats, args ...interface{}) (sql.Result, error) {
	stop := st.ScopedTimer(label)
	defer stop()

	res, err := s.ExecContext(ctx, sql, args...)
	if err != nil {
		st.Incr(label, stats.Errs, 1)
		return nil, err
	}
	return res, nil
}

func (s *Session) translate(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgerrors.NewDatabaseError(pqErr.Code, pqErr.Message, err)
	}
	return err
}

// Close releases the dedicated connection and its pool handle. A Session
// in the aborted state is rolled back, never committed, before closing.
func (s *Session) Close() error {
	if s.state == txOpen || s.state == txAborted {
		s.rollback()
	}
	cerr := s.conn.Close()
	perr := s.pool.Close()
	if cerr != nil {
		return cerr
	}
	return perr
}

// ScanFirstValue scans the first value of rows, assuming a single row with
// a single column - used for scalar queries like `select current_schema()`.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
