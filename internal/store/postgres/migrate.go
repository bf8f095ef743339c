package postgres

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratePsql "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies (up) or reverts (down) the embedded schema migrations
// against dsn.
func Migrate(dsn string, down bool) error {
	m, db, err := prepareMigrations(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

func prepareMigrations(dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open database")
	}
	driver, err := migratePsql.WithInstance(db, &migratePsql.Config{})
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "create migration driver")
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "open embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "failed to create migrations instance")
	}
	return m, db, nil
}
