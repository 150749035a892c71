package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	dbmigrations "github.com/i474232898/grid-energy-pipeline/db/migrations"
)

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return eris.Wrap(err, "postgres: open migrations connection")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("postgres: migrations close", zap.Error(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "postgres: ping migrations database")
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return eris.Wrap(err, "postgres: initialise pgx v5 driver")
	}
	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return eris.Wrap(err, "postgres: open embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return eris.Wrap(err, "postgres: initialise migrate instance")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Debug("postgres: migrate close", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("postgres: schema up to date")
			return nil
		}
		return eris.Wrap(err, "postgres: apply migrations")
	}
	version, dirty, _ := m.Version()
	logger.Info("postgres: migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
