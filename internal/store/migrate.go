package store

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate runs all pending forward-only migrations. Goose tracks applied
// versions in its own goose_db_version table, giving schema changes the
// same forward compatibility a hand-rolled "probe-before-insert" column
// check would, without the hand-rolling.
func (s *Store) migrate() error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
