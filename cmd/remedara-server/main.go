package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remedara/remedara/internal/config"
	"github.com/remedara/remedara/internal/domain/fhirlink"
	"github.com/remedara/remedara/internal/domain/scheduling"
	"github.com/remedara/remedara/internal/domain/timeline"
	"github.com/remedara/remedara/internal/platform/auth"
	"github.com/remedara/remedara/internal/platform/db"
	"github.com/remedara/remedara/internal/platform/middleware"
	"github.com/remedara/remedara/internal/platform/secrets"
)

// discoveryCacheTTL bounds how long a resolved SMART configuration document
// is reused before refetching.
const discoveryCacheTTL = time.Hour

// defaultRetentionDays is recorded on new links; roughly seven years, the
// common medical-record retention floor.
const defaultRetentionDays = 2555

// providerListerAdapter exposes the provider store to the timeline package
// without a package dependency between the two domains.
type providerListerAdapter struct {
	repo fhirlink.ProviderRepository
}

func (a *providerListerAdapter) ActiveProviders(ctx context.Context, userID uuid.UUID) ([]timeline.ProviderSummary, error) {
	providers, err := a.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]timeline.ProviderSummary, 0, len(providers))
	for _, p := range providers {
		out = append(out, timeline.ProviderSummary{ID: p.ID, OrgName: p.OrgName})
	}
	return out, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "remedara-server",
		Short: "Remedara patient portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
			fmt.Printf("Applied %d migration(s).\n", count)
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

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	secretsSvc, err := secrets.NewService(cfg.TokenEncryptionKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token encryption")
	}

	// Outbound HTTP to external authorization and FHIR servers.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	// Provider linking.
	providerRepo := fhirlink.NewProviderRepoPG(pool)
	auditRepo := fhirlink.NewAuditRepoPG(pool)
	audit := fhirlink.NewAuditRecorder(auditRepo, logger)
	resolver := fhirlink.NewResolver(httpClient, discoveryCacheTTL)
	defer resolver.Close()
	registry := fhirlink.DefaultRegistry()
	fhirClient := fhirlink.NewClient(httpClient, secretsSvc, providerRepo, cfg.SMARTClientID, logger)

	// Timeline.
	timelineRepo := timeline.NewRepoPG(pool)
	timelineSvc := timeline.NewService(timelineRepo, &providerListerAdapter{repo: providerRepo}, logger)

	coordinator := fhirlink.NewCoordinator(
		fhirlink.CoordinatorConfig{
			ClientID:      cfg.SMARTClientID,
			RedirectURI:   cfg.SMARTRedirectURI,
			Scopes:        cfg.SMARTScopes,
			PendingTTL:    cfg.PendingLinkTTL(),
			RetentionDays: defaultRetentionDays,
		},
		providerRepo, resolver, registry, fhirClient, secretsSvc, timelineRepo, audit, logger,
	)

	engine := fhirlink.NewEngine(
		providerRepo, fhirClient, timelineRepo, db.NewSyncLocker(pool), audit, logger, cfg.SyncConcurrency,
	)

	// Appointments.
	schedulingSvc := scheduling.NewService(scheduling.NewRepoPG(pool), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.HTTPTimeout()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	if cfg.IsDev() && cfg.SessionSigningKey == "" {
		devUser := uuid.New()
		logger.Warn().Str("user_id", devUser.String()).Msg("running with development auth; all requests share one user")
		e.Use(auth.DevAuthMiddleware(devUser))
	} else {
		signingKey, err := hex.DecodeString(cfg.SessionSigningKey)
		if err != nil {
			// Keys may also be provided as raw strings.
			signingKey = []byte(cfg.SessionSigningKey)
		}
		e.Use(auth.SessionMiddleware(signingKey, auth.HealthSkipper))
	}

	// Health endpoints.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	api := e.Group("/api")
	fhirlink.NewHandler(coordinator, engine, registry, auditRepo, cfg.LinkResultURL, logger).RegisterRoutes(api)
	timeline.NewHandler(timelineSvc, logger).RegisterRoutes(api)
	scheduling.NewHandler(schedulingSvc, logger).RegisterRoutes(api)

	// Expired linking sessions are garbage; sweep them periodically.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go sweepPendingLinks(sweepCtx, providerRepo, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server listening")
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

func sweepPendingLinks(ctx context.Context, repo fhirlink.ProviderRepository, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.DeleteExpiredPending(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("pending link sweep failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int64("removed", removed).Msg("swept expired pending links")
			}
		}
	}
}
