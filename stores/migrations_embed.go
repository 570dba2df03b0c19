package stores

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/oarkflow/squealx"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the ACL tables, naming them with prefix in place of the
// #__ placeholder.
func Migrate(db *squealx.DB, prefix string) error {
	if _, err := db.ExecContext(context.Background(), withPrefix(migrationsSQL, prefix)); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
