// Package app holds the process bootstrap shared by the service and ledgerctl.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"ledger-service/internal/config"
	"ledger-service/internal/repository"
	"ledger-service/internal/service"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func SetupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown LOG_LEVEL, falling back to info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func Migrate(cfg *config.Config) error {
	log.Info("Starting database migration...")
	m, err := migrate.New(cfg.MigrationsPath, cfg.DB.URL)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migration: %w", err)
	}
	log.Info("Database migration finished successfully.")
	return nil
}

func OpenDB(ctx context.Context, cfg config.DB) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping the database: %w", err)
	}
	log.Info("Successfully connected to the PostgreSQL database.")
	return db, nil
}

// Services is the wired service layer over one database.
type Services struct {
	Ledger *service.LedgerService
	Audits *service.AuditService
	Draws  *service.DrawService
	Verify *service.VerificationService
}

// NewServices builds the service layer. The ledger starts without a chain
// scheduler; callers attach one with SetScheduler.
func NewServices(db *sql.DB, cfg *config.Config) *Services {
	events := repository.NewPostgresEventRepository(db, cfg.Ledger.MaxTxRetries)
	audits := repository.NewPostgresAuditRepository(db, cfg.Ledger.MaxTxRetries)
	catalog := repository.NewPostgresCatalogRepository(db)
	entries := repository.NewPostgresEntryRepository(db)

	ledger := service.NewLedgerService(events, nil)
	auditService := service.NewAuditService(audits)

	return &Services{
		Ledger: ledger,
		Audits: auditService,
		Draws:  service.NewDrawService(catalog, entries, ledger, auditService),
		Verify: service.NewVerificationService(events, audits),
	}
}
