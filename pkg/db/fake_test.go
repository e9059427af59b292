// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbulk/pgbulk/pkg/db"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
)

func lockTimeoutErr() error {
	return &pq.Error{Code: pgerrors.LockNotAvailableErrorCode}
}

// TestRDBExecContextRetriesOnFakeLockTimeout exercises RDB's retry loop
// against a FakeDB instead of a real locked table, so the lock_timeout
// path is covered without a container.
func TestRDBExecContextRetriesOnFakeLockTimeout(t *testing.T) {
	t.Parallel()

	var calls int
	fake := &db.FakeDB{
		ExecFunc: func(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
			calls++
			if calls < 3 {
				return nil, lockTimeoutErr()
			}
			return nil, nil
		},
	}

	rdb := &db.RDB{DB: fake}
	_, err := rdb.ExecContext(context.Background(), "INSERT INTO widgets (id) VALUES (1)")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestRDBExecContextDoesNotRetryOtherErrors confirms a non-lock-timeout
// error returns immediately instead of entering the backoff loop.
func TestRDBExecContextDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	var calls int
	boom := &pq.Error{Code: pgerrors.UniqueViolationErrorCode}
	fake := &db.FakeDB{
		ExecFunc: func(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
			calls++
			return nil, boom
		},
	}

	rdb := &db.RDB{DB: fake}
	_, err := rdb.ExecContext(context.Background(), "INSERT INTO widgets (id) VALUES (1)")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestRDBQueryContextRetriesOnFakeLockTimeout mirrors the exec case for
// QueryContext.
func TestRDBQueryContextRetriesOnFakeLockTimeout(t *testing.T) {
	t.Parallel()

	var calls int
	fake := &db.FakeDB{
		QueryFunc: func(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
			calls++
			if calls < 2 {
				return nil, lockTimeoutErr()
			}
			return nil, nil
		},
	}

	rdb := &db.RDB{DB: fake}
	_, err := rdb.QueryContext(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
