package db

import (
	"context"
)

const tryAdvisoryXactLock = `-- name: TryAdvisoryXactLock :one
SELECT pg_try_advisory_xact_lock($1)
`

// TryAdvisoryXactLock must run inside a transaction; the lock is released at commit or rollback.
func (q *Queries) TryAdvisoryXactLock(ctx context.Context, key int64) (bool, error) {
	row := q.db.QueryRow(ctx, tryAdvisoryXactLock, key)
	var acquired bool
	err := row.Scan(&acquired)
	return acquired, err
}
