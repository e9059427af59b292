// SPDX-License-Identifier: Apache-2.0

// Package pgerrors is the error taxonomy shared by the writer, reader,
// connection manager and schema orchestrator. Each type names its
// recoverability in its doc comment; callers branch on type, never on
// string matching.
package pgerrors

import (
	"fmt"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

// SQLSTATE condition names for constraint violations the writer and test
// suite branch on by name rather than by numeric code.
const (
	CheckViolationErrorCode   pq.ErrorCode = "23514"
	FKViolationErrorCode      pq.ErrorCode = "23503"
	NotNullViolationErrorCode pq.ErrorCode = "23502"
	UniqueViolationErrorCode  pq.ErrorCode = "23505"
	LockNotAvailableErrorCode pq.ErrorCode = "55P03"
)

// ConnectError means a host was unreachable, auth failed, or the TLS
// handshake failed. Fatal wherever it is encountered. It carries a stack
// trace (via github.com/pkg/errors) because, unlike the per-row errors
// below, a ConnectError always aborts a whole run and is worth a full
// trace when reported.
type ConnectError struct {
	Addr string
	err  error
}

func NewConnectError(addr string, cause error) *ConnectError {
	return &ConnectError{Addr: addr, err: pkgerrors.WithStack(cause)}
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %s", e.Addr, e.err)
}

func (e *ConnectError) Unwrap() error { return e.err }

// DatabaseError wraps a DDL/DML/COPY failure reported by PostgreSQL,
// preserving its SQLSTATE. Recoverable in the writer (triggers a batch
// split); fatal during schema prepare; per-statement reported during
// schema completion and index builds.
type DatabaseError struct {
	SQLState pq.ErrorCode
	Message  string
	err      error
}

// NewDatabaseError builds a *DatabaseError from a SQLSTATE/message pair,
// wrapping cause so errors.As/errors.Is still see the underlying driver
// error.
func NewDatabaseError(code pq.ErrorCode, message string, cause error) *DatabaseError {
	return &DatabaseError{SQLState: code, Message: message, err: cause}
}

// AsDatabaseError converts a driver error into a *DatabaseError if it
// originated from lib/pq, returning ok=false for anything else (e.g. a
// dropped connection, which callers must treat as fatal, not recoverable).
func AsDatabaseError(err error) (*DatabaseError, bool) {
	if err == nil {
		return nil, false
	}
	var pqErr *pq.Error
	if pkgerrors.As(err, &pqErr) {
		return &DatabaseError{SQLState: pqErr.Code, Message: pqErr.Message, err: err}, true
	}
	return nil, false
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error [%s]: %s", e.SQLState, e.Message)
}

func (e *DatabaseError) Unwrap() error { return e.err }

// DecodeError is a source-encoding failure for a single cell. Recoverable:
// the reader substitutes NULL for the cell, logs, and continues.
type DecodeError struct {
	Column   string
	Position int
	Cause    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error in column %q at position %d: %s", e.Column, e.Position, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// ParseError is a malformed source row. Recoverable: the reader skips the
// row, logs, and continues.
type ParseError struct {
	Ordinal int64
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at row %d: %s", e.Ordinal, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// NotFoundError means a table named by the load spec is absent from the
// source. Recoverable: migrate.Run skips the table and logs ERROR.
type NotFoundError struct {
	Table string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("table %q not found in source", e.Table)
}

// CancelledError is a clean, external or peer-triggered cancellation.
// Terminal: open transactions roll back, and IsFatal reports it as fatal,
// so migrate.Run ends the run and returns it like any other fatal error.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// ConfigError means the load specification itself is invalid or
// ambiguous (e.g. both "skip-line" and "skip-lines" given with different
// values). Fatal. Most are raised while the specification is loaded; an
// unknown transform_fn name is raised when that table's pipeline starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid configuration: %s", e.Reason) }

// IsFatal reports whether err must abort the whole run rather than be
// recorded against a stats label and continued past.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *DecodeError, *ParseError, *NotFoundError:
		return false
	case *CancelledError:
		// Terminal: the run stops here.
		return true
	default:
		if _, ok := AsDatabaseError(err); ok {
			return false
		}
		return true
	}
}
