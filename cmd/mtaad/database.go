package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/mtaa/internal/config"
	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mtaa/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "mtaa.db"
)

// stores groups the persistence of every engine. On postgres the booking ledger runs on
// pgx directly and the goose migrations own the schema.
type stores struct {
	bookings   booking.Store
	groups     sambaza.Store
	reputation reputation.Store
	close      func()
}

func openStores(ctx context.Context, dsn string, environment string) (stores, error) {
	gormDB, cleanup, driver, err := openDatabase(ctx, dsn, environment)
	if err != nil {
		return stores{}, fmt.Errorf("database open: %w", err)
	}
	gormStore := gormstore.New(gormDB)
	opened := stores{
		bookings:   gormStore.Bookings(),
		groups:     gormStore.Groups(),
		reputation: gormStore.Reputation(),
		close:      func() { _ = cleanup() },
	}
	if driver == driverSQLite {
		if err := gormStore.AutoMigrate(); err != nil {
			opened.close()
			return stores{}, fmt.Errorf("auto migrate: %w", err)
		}
		return opened, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		opened.close()
		return stores{}, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pgstore.Migrate(ctx, pool); err != nil {
		pool.Close()
		opened.close()
		return stores{}, err
	}
	opened.bookings = pgstore.New(pool)
	opened.close = func() {
		pool.Close()
		_ = cleanup()
	}
	return opened, nil
}

func openDatabase(ctx context.Context, dsn string, environment string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel(environment))}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// One writer at a time; concurrent sqlite writers fail with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func gormLogLevel(environment string) logger.LogLevel {
	if environment == config.EnvironmentDevelopment {
		return logger.Info
	}
	return logger.Warn
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
