package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portal/portal/internal/config"
	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/domain/dispatch"
	"github.com/portal/portal/internal/domain/scheduling"
	"github.com/portal/portal/internal/platform/auth"
	"github.com/portal/portal/internal/platform/cache"
	"github.com/portal/portal/internal/platform/db"
	"github.com/portal/portal/internal/platform/logging"
	"github.com/portal/portal/internal/platform/middleware"
	"github.com/portal/portal/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portal-server",
		Short:         "Booking portal availability and allocation server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads the configuration and connects to the database for the
// one-shot maintenance commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:   cfg.DatabaseURL,
		MaxConns:      cfg.DBMaxConns,
		MinConns:      cfg.DBMinConns,
		QueryLogLevel: zerolog.InfoLevel,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// schemaFlag resolves --schema, falling back to the default tenant's schema.
func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = db.SchemaName(cfg.DefaultTenant)
	}
	return schema
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default: the default tenant's schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			migrator := db.NewMigrator(pool, migrations.FS)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default: the default tenant's schema)")
	cmd.AddCommand(statusCmd)

	// migrate down
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			migrator := db.NewMigrator(pool, migrations.FS)
			mig, err := migrator.Down(ctx, schema)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if mig == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No applied migrations on schema: %s\n", schema)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %03d_%s on schema: %s\n", mig.Version, mig.Name, schema)
			return nil
		},
	}
	downCmd.Flags().String("schema", "", "Target schema for migrations (default: the default tenant's schema)")
	cmd.AddCommand(downCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
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

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// apiMiddleware authenticates, resolves the tenant and rate limits before a
// pooled connection is pinned to the request.
func apiMiddleware(cfg *config.Config, pool *pgxpool.Pool) []echo.MiddlewareFunc {
	authn := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	return []echo.MiddlewareFunc{
		authn,
		db.TenantResolver(cfg.DefaultTenant),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		db.TenantMiddleware(pool, cfg.DefaultTenant),
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// Logger
	logger, logCloser := logging.Stdout(logging.Options{
		Level:          cfg.LogLevel,
		Console:        cfg.IsDev(),
		File:           cfg.LogFile,
		FileMaxSizeMB:  cfg.LogFileMaxSizeMB,
		FileMaxBackups: cfg.LogFileMaxBackups,
		FileMaxAgeDays: cfg.LogFileMaxAgeDays,
	})
	defer logCloser.Close()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:   cfg.DatabaseURL,
		MaxConns:      cfg.DBMaxConns,
		MinConns:      cfg.DBMinConns,
		QueryLogLevel: logger.GetLevel(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Slot cache
	var slotStore cache.Store = cache.NopStore{}
	var deps []db.Dependency
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		store := cache.NewRedisStore(rdb, "portal")
		slotStore = store
		deps = append(deps, db.Dependency{Name: "slot_cache", Ping: store.Ping})
		logger.Info().Dur("ttl", cfg.SlotCacheTTL).Msg("slot cache enabled")
	} else {
		logger.Info().Msg("REDIS_URL not set, slot cache disabled")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics(reg)
	bookingMetrics := booking.NewMetrics(reg)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(httpMetrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.Secure())

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, deps...))
	e.GET("/metrics", httpMetrics.Handler())

	// API
	apiV1 := e.Group("/api/v1", apiMiddleware(cfg, pool)...)

	txRunner := db.NewTxRunner(pool)

	// Slot-mode resources: rules, calendar, admission, admin blocks
	schedSvc := scheduling.NewService(
		scheduling.NewResourceRepoPG(pool),
		scheduling.NewRuleRepoPG(pool),
		scheduling.NewBookingRepoPG(pool),
		txRunner,
		scheduling.WithMetrics(bookingMetrics),
		scheduling.WithLocation(cfg.Location()),
		scheduling.WithRejectOverlappingRules(cfg.RulesRejectOverlap),
		scheduling.WithSlotCache(slotStore, cfg.SlotCacheTTL),
	)
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1)

	// Pool-mode resources: vehicles and drivers
	dispatchSvc := dispatch.NewService(
		dispatch.NewPoolRepoPG(pool),
		dispatch.NewBookingRepoPG(pool),
		txRunner,
		dispatch.WithMetrics(bookingMetrics),
	)
	dispatch.NewHandler(dispatchSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
