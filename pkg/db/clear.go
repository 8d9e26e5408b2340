package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearState truncates every table in managedTables: idempotency records,
// cached queries, saga instances and stored events. The schema is kept.
func ClearState(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := truncateStatement(managedTables)
	slog.Info(fmt.Sprintf("%s - %s", clearLogPrefix, stmt))

	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}
	return nil
}

func truncateStatement(tables []string) string {
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = quoteIdent(t)
	}
	return "TRUNCATE TABLE " + strings.Join(quoted, ", ") + " RESTART IDENTITY"
}
