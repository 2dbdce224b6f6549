package repo

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded migration in file-name order. Statements are
// idempotent so it is safe to run on each deploy.
func Migrate(ctx context.Context, db DBTX) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}
