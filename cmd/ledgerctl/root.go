package main

import (
	"context"
	"errors"
	"time"

	"ledger-service/internal/app"
	"ledger-service/internal/config"
	"ledger-service/internal/domain"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errChainInvalid makes verify exit non-zero after the report is printed.
var errChainInvalid = errors.New("ledger chain verification failed")

// Backend is what the commands need from the ledger.
type Backend interface {
	Verify(ctx context.Context, scope domain.VerifyScope) (*domain.VerificationReport, error)
	StaleUnchained(ctx context.Context, threshold time.Duration, limit int) ([]domain.Event, error)
	Process(ctx context.Context, eventID string) error
}

// Connector opens a backend; the returned func releases it.
type Connector func(ctx context.Context, opts *RootOptions) (Backend, func(), error)

type RootOptions struct {
	LogLevel string
	Timeout  time.Duration
}

func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operator tool for the prize-draw ledger",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.SetupLogging(opts.LogLevel)
			// logs go to stderr so JSON output stays parseable
			log.SetOutput(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "overall command timeout")

	cmd.AddCommand(NewVerifyCommand(opts, connect))
	cmd.AddCommand(NewBacklogCommand(opts, connect))
	cmd.AddCommand(NewProcessCommand(opts, connect))

	return cmd
}

type servicesBackend struct {
	services *app.Services
}

func (b servicesBackend) Verify(ctx context.Context, scope domain.VerifyScope) (*domain.VerificationReport, error) {
	return b.services.Verify.Verify(ctx, scope)
}

func (b servicesBackend) StaleUnchained(ctx context.Context, threshold time.Duration, limit int) ([]domain.Event, error) {
	return b.services.Ledger.StaleUnchained(ctx, threshold, limit)
}

func (b servicesBackend) Process(ctx context.Context, eventID string) error {
	return b.services.Ledger.Process(ctx, eventID)
}

// connectPostgres reads the service configuration and connects straight to the
// database. Process runs without a scheduler: it chains synchronously.
func connectPostgres(ctx context.Context, _ *RootOptions) (Backend, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := app.OpenDB(ctx, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return servicesBackend{services: app.NewServices(db, cfg)}, func() { db.Close() }, nil
}
