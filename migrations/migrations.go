// Package migrations applies the embedded database schema. Every statement
// is idempotent (IF NOT EXISTS), so Apply is safe to run on every startup.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed *.sql
var schemaFS embed.FS

// Apply executes the embedded schema files in lexical order.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := schemaFS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
	}

	return nil
}
