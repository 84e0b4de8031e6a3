package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

const defaultMigrationsPath = "file://migrations/postgresql"

func runMigrations(databaseURL, path string, down bool) error {
	log.Info().Str("component", "migrate").Str("source", path).Bool("down", down).Msg("running database migrations")

	m, err := migrate.New(path, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn().Str("component", "migrate").AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrate")
		}
	}()

	if down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	v, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", verr)
	}
	log.Info().Str("component", "migrate").Uint("version", v).Bool("dirty", dirty).Msg("migrations completed")
	return nil
}
