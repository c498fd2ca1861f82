package ledger

import (
	"context"
	"fmt"
)

// Database is a Store that also answers the invariant queries.
type Database interface {
	Store
	Inspector
}

var (
	_ Database = (*PostgresStore)(nil)
	_ Database = (*SQLiteStore)(nil)
)

// Open connects to the configured backend. driver is "postgres" or
// "sqlite3"; for sqlite3 dsn is a file path.
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Database, error) {
	switch driver {
	case "postgres":
		s, err := ConnectPostgres(ctx, dsn, maxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite3":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
