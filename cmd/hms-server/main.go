package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hospital/hms/internal/config"
	"github.com/hospital/hms/internal/domain/pharmacy"
	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/internal/platform/events"
	"github.com/hospital/hms/internal/platform/logging"
	"github.com/hospital/hms/internal/platform/middleware"
	"github.com/hospital/hms/internal/platform/telemetry"
	"github.com/hospital/hms/internal/platform/webhook"
	"github.com/hospital/hms/internal/platform/websocket"
	"github.com/hospital/hms/internal/sandbox"
	"github.com/hospital/hms/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital pharmacy inventory API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir points at a
// directory on disk.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this migration version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
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
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: tenant_%s\n", name)
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

func inventoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect and repair the inventory ledger",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "List drugs whose stock differs from their batch total",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withServices(cmd.Context(), tenant, func(ctx context.Context, svc *services) error {
				drift, err := svc.pharmacy.CheckConsistency(ctx)
				if err != nil {
					return err
				}
				printDrift(cmd.OutOrStdout(), drift)
				if len(drift) > 0 {
					return fmt.Errorf("%d drug(s) out of balance", len(drift))
				}
				return nil
			})
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reset drifted stock quantities to their batch totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withServices(cmd.Context(), tenant, func(ctx context.Context, svc *services) error {
				fixed, err := svc.pharmacy.Reconcile(ctx)
				if err != nil {
					return err
				}
				printDrift(cmd.OutOrStdout(), fixed)
				fmt.Fprintf(cmd.OutOrStdout(), "Corrected %d drug(s).\n", len(fixed))
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{checkCmd, reconcileCmd} {
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
		cmd.AddCommand(c)
	}
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill a tenant with generated demo drugs, batches and dispenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cfg := sandbox.DefaultSeedConfig()
			cfg.Seed, _ = cmd.Flags().GetInt64("seed")
			cfg.DrugCount, _ = cmd.Flags().GetInt("drugs")
			cfg.PrescriptionCount, _ = cmd.Flags().GetInt("prescriptions")

			return withServices(cmd.Context(), tenant, func(ctx context.Context, svc *services) error {
				ctx = context.WithValue(ctx, auth.UserIDKey, sandbox.SeederActor)
				res, err := sandbox.NewSeeder(svc.pharmacy, svc.prescriptions, cfg, svc.logger).Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d drugs, %d batches, %d prescriptions, %d dispenses (%d skipped) in %s\n",
					res.Drugs, res.Batches, res.Prescriptions, res.Dispenses, res.Skipped, res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	def := sandbox.DefaultSeedConfig()
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one from the clock")
	cmd.Flags().Int("drugs", def.DrugCount, "Number of drugs to create")
	cmd.Flags().Int("prescriptions", def.PrescriptionCount, "Number of prescriptions to create")
	return cmd
}

type services struct {
	pharmacy      *pharmacy.Service
	prescriptions *prescription.Service
	logger        zerolog.Logger
}

// withServices runs fn against one tenant's services outside any HTTP request.
func withServices(ctx context.Context, tenant string, fn func(ctx context.Context, svc *services) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}

	logger, closer := logging.New(loggingOptions(cfg))
	defer closer.Close()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = events.NewRedisPublisher(client, cfg.InventoryEventsChannel)
	}

	svc := &services{
		pharmacy:      newPharmacyService(pool, publisher, logger, cfg),
		prescriptions: newPrescriptionService(pool, logger),
		logger:        logger,
	}
	return db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
		return fn(ctx, svc)
	})
}

func printDrift(w io.Writer, drift []pharmacy.StockDrift) {
	if len(drift) == 0 {
		fmt.Fprintln(w, "Inventory is consistent.")
		return
	}
	fmt.Fprintf(w, "%-36s %-30s %10s %10s %8s\n", "DRUG ID", "NAME", "STOCK", "BATCHES", "DELTA")
	for _, d := range drift {
		fmt.Fprintf(w, "%-36s %-30s %10d %10d %+8d\n", d.DrugID, d.DrugName, d.StockQuantity, d.BatchTotal, d.Delta())
	}
}

func loggingOptions(cfg *config.Config) logging.Options {
	return logging.Options{
		Level:      cfg.LogLevel,
		Console:    cfg.IsDev(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
}

func webhookEndpoints(cfg *config.Config) []webhook.Endpoint {
	return webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents)
}

func pharmacyOptions(cfg *config.Config) pharmacy.Options {
	return pharmacy.Options{
		ExpirySoonDays:       cfg.ExpirySoonDays,
		ExpiryLaterDays:      cfg.ExpiryLaterDays,
		RecentDispensedLimit: cfg.RecentDispensedLimit,
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	return rl
}

func newPharmacyService(pool *pgxpool.Pool, publisher events.Publisher, logger zerolog.Logger, cfg *config.Config) *pharmacy.Service {
	return pharmacy.NewService(
		pharmacy.NewDrugRepoPG(pool),
		pharmacy.NewBatchRepoPG(pool),
		pharmacy.NewAdjustmentRepoPG(pool),
		pharmacy.NewDispensedRepoPG(pool),
		prescription.NewRepoPG(pool),
		db.NewTxRunner(pool),
		publisher,
		logger.With().Str("component", "pharmacy").Logger(),
		pharmacyOptions(cfg),
	)
}

func newPrescriptionService(pool *pgxpool.Pool, logger zerolog.Logger) *prescription.Service {
	return prescription.NewService(
		prescription.NewRepoPG(pool),
		pharmacy.NewDrugRepoPG(pool),
		db.NewTxRunner(pool),
		logger.With().Str("component", "prescription").Logger(),
	)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return err
	}

	logger, closer := logging.New(loggingOptions(cfg))
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "hms-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Exporter:       cfg.TracingExporter,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Inventory events fan out to websocket clients. With Redis configured the
	// service publishes to the channel and every instance relays it locally.
	hub := websocket.NewHub(logger)
	defer hub.Close()
	var publisher events.Publisher = events.NewHubPublisher(hub)
	var healthDeps []db.Dependency
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		publisher = events.NewRedisPublisher(redisClient, cfg.InventoryEventsChannel)
		healthDeps = append(healthDeps, db.Dependency{
			Name: "redis",
			Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})

		relay := events.NewRelay(redisClient, cfg.InventoryEventsChannel, events.NewHubPublisher(hub), logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("inventory event relay stopped")
			}
		}()
	}

	// Webhooks fire from the instance that committed the change only.
	if endpoints := webhookEndpoints(cfg); len(endpoints) > 0 {
		hooks, err := webhook.NewPublisher(endpoints, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		go hooks.Run(ctx)
		publisher = events.Multi{publisher, hooks}
		logger.Info().Int("endpoints", len(endpoints)).Msg("inventory webhooks enabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthDeps...))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	// Domain services
	prescription.NewHandler(newPrescriptionService(pool, logger)).RegisterRoutes(apiV1)

	pharmacySvc := newPharmacyService(pool, publisher, logger, cfg)
	pharmacy.NewHandler(pharmacySvc).RegisterRoutes(apiV1)

	// Realtime stock events
	wsGroup := e.Group("/ws")
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(wsGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
