package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// execer is satisfied by *bun.DB and bun.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func rowsAffected(result sql.Result) int64 {
	if result == nil {
		return 0
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return affected
}
