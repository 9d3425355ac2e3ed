package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tm2bridge/tm2bridge/internal/config"
	"github.com/tm2bridge/tm2bridge/internal/domain/ingestion"
	"github.com/tm2bridge/tm2bridge/internal/domain/monitoring"
	"github.com/tm2bridge/tm2bridge/internal/domain/record"
	"github.com/tm2bridge/tm2bridge/internal/domain/terminology"
	"github.com/tm2bridge/tm2bridge/internal/platform/auth"
	"github.com/tm2bridge/tm2bridge/internal/platform/db"
	"github.com/tm2bridge/tm2bridge/internal/platform/middleware"
	"github.com/tm2bridge/tm2bridge/internal/platform/openmrs"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tm2-bridge",
		Short: "TM2 clinical-coding bridge service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(submitCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openMRSClient(cfg *config.Config, logger zerolog.Logger) *openmrs.Client {
	return openmrs.NewClient(openmrs.Config{
		BaseURL:        cfg.OpenMRSBaseURL,
		Username:       cfg.OpenMRSUsername,
		Password:       cfg.OpenMRSPassword,
		Timeout:        time.Duration(cfg.OpenMRSTimeoutSecs) * time.Second,
		MaxRetries:     cfg.OpenMRSMaxRetries,
		BackoffBase:    time.Duration(cfg.OpenMRSBackoffBaseMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.OpenMRSBackoffMaxMS) * time.Millisecond,
		CreatePatients: cfg.OpenMRSCreatePatients,
	}, logger)
}

// buildPipeline wires the ingestion service against Postgres and OpenMRS.
func buildPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*ingestion.Service, record.Repository, func(), error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	mappings, err := ingestion.LoadMappings(cfg.MappingsPath, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	client := openMRSClient(cfg, logger)
	repo := record.NewRepo(pool)
	svc := ingestion.NewService(repo, client, ingestion.NewTransformer(mappings), ingestion.Options{
		DefaultFormat:   cfg.DefaultFormat,
		DataPath:        cfg.DataPath,
		SubmitBatchSize: cfg.SubmitBatchSize,
	}, logger)

	cleanup := func() {
		client.Close()
		pool.Close()
	}
	return svc, repo, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Terminology cache: Redis when configured, otherwise process-local.
	var cache terminology.Cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer redisClient.Close()
		cache = terminology.NewRedisCache(redisClient)
		logger.Info().Msg("connected to redis")
	} else {
		cache = terminology.NewMemoryCache()
		logger.Warn().Msg("REDIS_URL not set, using in-process terminology cache")
	}

	mappings, err := ingestion.LoadMappings(cfg.MappingsPath, logger)
	if err != nil {
		return err
	}

	client := openMRSClient(cfg, logger)
	defer client.Close()

	repo := record.NewRepo(pool)
	ingestSvc := ingestion.NewService(repo, client, ingestion.NewTransformer(mappings), ingestion.Options{
		DefaultFormat:   cfg.DefaultFormat,
		DataPath:        cfg.DataPath,
		SubmitBatchSize: cfg.SubmitBatchSize,
	}, logger)

	termSvc := terminology.NewService(
		cache,
		terminology.NewWHOClient(terminology.WHOConfig{
			MMSSearchURL: cfg.WHOMMSSearchURL,
			TM2SearchURL: cfg.WHOTM2SearchURL,
			APIKey:       cfg.WHOAPIKey,
		}),
		time.Duration(cfg.CacheTTLSecs)*time.Second,
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	jwtCfg := auth.JWTConfig{Secret: []byte(cfg.JWTSecret), ExpireMinutes: cfg.JWTExpireMinutes}

	// Token issuance stays outside the protected group.
	public := e.Group("/api/v1")
	auth.NewHandler(jwtCfg, cfg.APIUsername, cfg.APIPassword).Register(public)

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	ingestion.NewHandler(ingestSvc, logger).RegisterRoutes(apiV1)
	terminology.NewHandler(termSvc).RegisterRoutes(apiV1)

	monHandler := monitoring.NewHandler(repo, pool, monitoring.Info{
		ServiceName: cfg.ServiceName,
		Version:     version,
		Env:         cfg.Env,
	})
	monHandler.RegisterRoutes(apiV1)
	monHandler.RegisterHealth(e)

	// Audit retention job.
	pruneCtx, pruneCancel := context.WithCancel(ctx)
	defer pruneCancel()
	go runAuditPruner(pruneCtx, repo, cfg.AuditTTLDays, logger)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runAuditPruner deletes audit events older than the retention window, once
// at startup and then daily.
func runAuditPruner(ctx context.Context, repo record.Repository, ttlDays int, logger zerolog.Logger) {
	if ttlDays <= 0 {
		ttlDays = 90
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour

	prune := func() {
		pruned, err := repo.PruneAudit(ctx, time.Now().Add(-ttl))
		if err != nil {
			logger.Error().Err(err).Msg("audit prune failed")
			return
		}
		if pruned > 0 {
			logger.Info().Int64("pruned", pruned).Msg("audit events pruned")
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion batch and print its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			svc, _, cleanup, err := buildPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if file == "" {
				file = cfg.DataPath
			}

			batchID := uuid.New()
			stats, err := svc.IngestFromFile(ctx, file, batchID)
			if err != nil {
				return err
			}
			return printBatch(batchID, stats)
		},
	}
	cmd.Flags().String("file", "", "Dataset file to ingest (defaults to DATA_PATH)")
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit pending records and print the batch stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			svc, _, cleanup, err := buildPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			batchID := uuid.New()
			stats, err := svc.SubmitPending(ctx, limit, batchID)
			if err != nil {
				return err
			}
			return printBatch(batchID, stats)
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum records to submit (defaults to SUBMIT_BATCH_SIZE)")
	return cmd
}

func printBatch(batchID uuid.UUID, stats any) error {
	out, err := json.MarshalIndent(map[string]any{
		"batch_id": batchID,
		"stats":    stats,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
