package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"helpdispatch/migrations"
)

// Migrate applies every embedded migration in lexical order. Statements are
// written to be re-runnable, so applying twice is harmless.
func Migrate(ctx context.Context, q Querier) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", name, err)
		}
		if _, err := q.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("db: apply %s: %w", name, err)
		}
	}
	return nil
}
