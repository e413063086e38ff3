package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/mysql/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema for the adapter's dialect. Every
// statement is idempotent so it is safe to run on each start.
func (s *SQLAdapter) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/"+s.dialect.migrations+"/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		// the mysql driver rejects multi-statement exec without multiStatements=true
		for _, stmt := range strings.Split(string(sqlBytes), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}
