package state

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func (s *SQLStore) setupGoose() (string, error) {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(s.dialect.gooseName()); err != nil {
		return "", fmt.Errorf("failed to set dialect: %w", err)
	}
	return "migrations/" + s.dialect.migrationDir(), nil
}

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := s.setupGoose()
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current migration version.
func (s *SQLStore) MigrationVersion(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not opened")
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if _, err := s.setupGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, s.db)
}

// MigrationStatus returns the applied version and the versions still pending.
func (s *SQLStore) MigrationStatus(ctx context.Context) (int64, []int64, error) {
	if s.db == nil {
		return 0, nil, fmt.Errorf("database not opened")
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := s.setupGoose()
	if err != nil {
		return 0, nil, err
	}
	current, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read migration version: %w", err)
	}
	all, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to collect migrations: %w", err)
	}

	var pending []int64
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m.Version)
		}
	}
	return current, pending, nil
}
