package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"content_sync/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Connect opens the content database. An unreachable server is reported as
// a domain.ConnectionError.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, &domain.ConnectionError{Target: "store", Err: err}
	}
	return db, nil
}

// Migrate applies every pending schema migration.
func Migrate(db *sqlx.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// wrapErr maps driver errors onto the domain error set.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w: %s", op, domain.ErrDuplicate, pqErr.Constraint)
		case pqErr.Code.Class() == "08":
			return &domain.ConnectionError{Target: "store", Err: fmt.Errorf("%s: %w", op, err)}
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return &domain.ConnectionError{Target: "store", Err: fmt.Errorf("%s: %w", op, err)}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// keepList avoids binding a NULL array, which would match nothing.
func keepList(keys []string) pq.StringArray {
	if keys == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(keys)
}
