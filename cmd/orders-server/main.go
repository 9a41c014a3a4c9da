package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/orders/internal/config"
	"github.com/ehr/orders/internal/domain/order"
	"github.com/ehr/orders/internal/platform/auth"
	"github.com/ehr/orders/internal/platform/db"
	"github.com/ehr/orders/internal/platform/lock"
	"github.com/ehr/orders/internal/platform/middleware"
	"github.com/ehr/orders/internal/platform/telemetry"
	"github.com/ehr/orders/internal/platform/websocket"
)

const version = "0.1.0"

// Order types seeded by migration 003. The in-memory store uses the same ids.
var (
	drugOrderTypeID = uuid.MustParse("131168f4-15f5-102d-96e4-000c29c2a5d7")
	testOrderTypeID = uuid.MustParse("52a447d3-a64a-11e3-9aeb-50e549534c5e")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orders-server",
		Short: "Clinical order lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sequenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orders API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.EmbeddedMigrations()), pool.Close, nil
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func sequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Inspect or reset the order number seed",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the next order number seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			seeds, closeFn, err := openSeedStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			raw, err := seeds.PeekOrderSeed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", order.NextOrderNumberSeedProperty, raw)
			return nil
		},
	})

	setCmd := &cobra.Command{
		Use:   "set <value>",
		Short: "Overwrite the next order number seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseSeedArg(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			seeds, closeFn, err := openSeedStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := seeds.SetOrderSeed(ctx, &value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s set to %s\n", order.NextOrderNumberSeedProperty, value)
			return nil
		},
	}
	cmd.AddCommand(setCmd)

	return cmd
}

// parseSeedArg accepts only positive integers so that an operator cannot
// store a value the sequencer would later reject.
func parseSeedArg(arg string) (string, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "", fmt.Errorf("seed must be an integer, got %q", arg)
	}
	if n < 1 {
		return "", fmt.Errorf("seed must be positive, got %d", n)
	}
	return strconv.FormatInt(n, 10), nil
}

func openSeedStore(ctx context.Context) (order.SeedStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required to manage the order number seed")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return order.NewSequenceStorePG(pool), pool.Close, nil
}

// storage bundles the persistence collaborators of the order service.
type storage struct {
	orders order.OrderRepository
	seeds  order.SequenceStore
	types  order.OrderTypeHierarchy
	tx     order.TxManager
	purger order.ObservationPurger
	pinger db.Pinger
	close  func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Store == config.StoreMemory {
		mem := order.NewMemoryStore()
		return &storage{
			orders: mem,
			seeds:  mem,
			types:  defaultOrderTypes(),
			tx:     mem,
			pinger: mem,
			close:  func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &storage{
		orders: order.NewOrderRepoPG(pool),
		seeds:  order.NewSequenceStorePG(pool),
		types:  order.NewOrderTypeRepoPG(pool),
		tx:     db.NewTxRunner(pool),
		purger: order.NewObservationPurgerPG(pool),
		pinger: pool,
		close:  pool.Close,
	}, nil
}

// defaultOrderTypes mirrors the rows seeded into order_type by the migrations.
func defaultOrderTypes() *order.TypeRegistry {
	return order.NewTypeRegistry(
		&order.OrderType{ID: drugOrderTypeID, Name: "Drug Order", ConceptClasses: []string{"Drug"}},
		&order.OrderType{ID: testOrderTypeID, Name: "Test Order", ConceptClasses: []string{"Test", "LabSet"}},
	)
}

// resolveParallelTypes expands the configured type names to the ids of those
// types and all of their subtypes.
func resolveParallelTypes(ctx context.Context, types order.OrderTypeHierarchy, names []string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, name := range names {
		ot, err := types.GetOrderTypeByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("parallel order type %q: %w", name, err)
		}
		subtypes, err := types.GetSubtypes(ctx, ot.ID, true)
		if err != nil {
			return nil, fmt.Errorf("parallel order type %q: %w", name, err)
		}
		for _, id := range subtypes {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// newLocker picks the order key lock. The memory store already serializes its
// transactions, so a single process on it needs no lock of its own.
func newLocker(cfg *config.Config, logger zerolog.Logger) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		if cfg.Store == config.StoreMemory {
			return lock.Noop{}, nil
		}
		return lock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return lock.NewRedis(redis.NewClient(opts), lock.RedisConfig{
		TTL:    cfg.OrderLockTTL,
		Prefix: "orders:lock:",
	}, logger), nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildServer wires the order service and every HTTP route onto a new echo
// instance.
func buildServer(ctx context.Context, cfg *config.Config, store *storage, locker lock.Locker, logger zerolog.Logger) (*echo.Echo, error) {
	tel := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "orders-server",
		MetricsEnabled: cfg.MetricsEnabled,
		TracingEnabled: cfg.TracingEnabled,
	})
	tel.SetOutcomeClassifier(order.Outcome)

	hub := websocket.NewHub(logger)

	svc := order.NewService(store.orders, order.NewSequencer(store.seeds, cfg.OrderNumberPrefix), store.types, store.tx)
	svc.SetLocker(locker)
	svc.SetEventPublisher(hub)
	svc.SetTelemetry(tel)
	svc.SetLogger(logger.With().Str("component", "order").Logger())
	if store.purger != nil {
		svc.SetObservationPurger(store.purger)
	}

	parallel, err := resolveParallelTypes(ctx, store.types, cfg.ParallelOrderTypes)
	if err != nil {
		return nil, err
	}
	svc.SetParallelOrderTypes(parallel)

	bodyLimit, err := middleware.ParseSize(cfg.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BODY_LIMIT: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(tel.TracingMiddleware())
	if cfg.MetricsEnabled {
		e.Use(tel.MetricsMiddleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development auth enabled; every request runs as an admin")
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

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(store.pinger))
	if cfg.MetricsEnabled {
		e.GET("/metrics", tel.PrometheusHandler())
	}

	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		}))
	}
	apiV1.Use(middleware.Audit(logger))
	order.NewHandler(svc).RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.close()
	logger.Info().Str("store", cfg.Store).Msg("storage ready")

	locker, err := newLocker(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure order locks")
	}

	e, err := buildServer(ctx, cfg, store, locker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
