package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicsched/clinicsched/internal/config"
	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
	"github.com/clinicsched/clinicsched/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicsched-server",
		Short:        "Clinic appointment scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scheduleCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (STORE_DRIVER=postgres)",
	}
	cmd.PersistentFlags().String("schema", "public", "Target schema for migrations")
	cmd.PersistentFlags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				mig, err := m.Down(ctx)
				if err != nil {
					return err
				}
				if mig == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No applied migrations to roll back.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d (%s).\n", mig.Version, mig.Name)
				return nil
			})
		},
	})

	return cmd
}

// withMigrator connects to DATABASE_URL and hands fn a migrator for the
// --schema and --dir flags.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := db.NewMigrator(pool, dir).WithSchema(schema)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Using schema: %s\n", schema)
	return fn(ctx, migrator)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect provider schedules",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print a provider's weekly schedule in the clinic time zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, _ := cmd.Flags().GetString("provider")
			if providerID == "" {
				return errors.New("--provider is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zerolog.New(io.Discard)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc, _, closers, err := newServices(ctx, cfg, st, nil, logger)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range closers {
					c()
				}
			}()

			sched, err := svc.GetSchedule(ctx, providerID)
			if err != nil {
				return err
			}
			printSchedule(cmd.OutOrStdout(), sched, svc.Normalizer().Location().String())
			return nil
		},
	}
	showCmd.Flags().String("provider", "", "Provider identifier")

	cmd.AddCommand(showCmd)
	return cmd
}

func printSchedule(w io.Writer, s *scheduling.ProviderSchedule, zone string) {
	fmt.Fprintf(w, "Weekly schedule for %s (%s)\n", s.ProviderID, zone)
	fmt.Fprintf(w, "%-10s %s\n", "WEEKDAY", "HOURS")
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		win := s.Window(wd)
		hours := "closed"
		if win.IsAvailable {
			hours = fmt.Sprintf("%s-%s", win.Start, win.End)
		}
		fmt.Fprintf(w, "%-10s %s\n", wd, hours)
	}
	if s.UpdatedAt != nil {
		fmt.Fprintf(w, "Last updated %s\n", s.UpdatedAt.UTC().Format(time.RFC3339))
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockDriver).
		Str("events", cfg.EventsDriver).
		Str("clinic_timezone", cfg.ClinicTimezone).
		Msg("services ready")

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = a.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = a.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
