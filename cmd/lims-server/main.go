package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medlab/lims/internal/config"
	"github.com/medlab/lims/internal/domain/identity"
	"github.com/medlab/lims/internal/domain/laborder"
	"github.com/medlab/lims/internal/platform/auth"
	"github.com/medlab/lims/internal/platform/authz"
	"github.com/medlab/lims/internal/platform/blobstore"
	"github.com/medlab/lims/internal/platform/db"
	"github.com/medlab/lims/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory order workflow API server",
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
				state := "pending"
				appliedAt := ""
				if s.Applied {
					state = "applied"
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "lims").Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	var artifacts blobstore.Store
	switch cfg.BlobDriver {
	case "s3":
		artifacts, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
			Region:    cfg.BlobS3Region,
			Bucket:    cfg.BlobS3Bucket,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
		if err != nil {
			return fmt.Errorf("create s3 artifact store: %w", err)
		}
	default:
		artifacts = blobstore.NewMemoryStore(cfg.MaxReportSizeBytes)
	}

	guard := authz.NewGuard(authz.DefaultMatrix())

	orderRepo := laborder.NewPGRepository(pool)
	orderSvc := laborder.NewService(orderRepo, guard, artifacts, cfg.MaxReportSizeBytes, logger)
	orderHandler := laborder.NewHandler(orderSvc, guard)

	userRepo := identity.NewPGRepository(pool)
	userSvc := identity.NewService(userRepo, guard, logger)
	userHandler := identity.NewHandler(userSvc, guard)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, "If-Match", "X-Dev-Role"},
	}))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dM", cfg.MaxReportSizeBytes/(1024*1024)+1)))

	e.GET("/health", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.JWTSigningKey == "" {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.JWTSigningKey),
		}))
	}

	orderHandler.RegisterRoutes(api)
	userHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
