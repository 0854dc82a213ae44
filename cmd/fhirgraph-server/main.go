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

	"github.com/fhirgraph/fhirgraph/internal/config"
	"github.com/fhirgraph/fhirgraph/internal/domain/bundle"
	"github.com/fhirgraph/fhirgraph/internal/domain/graphapi"
	"github.com/fhirgraph/fhirgraph/internal/domain/resource"
	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
	"github.com/fhirgraph/fhirgraph/internal/platform/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirgraph-server",
		Short: "FHIR resource server over a property graph",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(wipeCmd())
	rootCmd.AddCommand(typesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR graph server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func wipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Drop every vertex and edge from the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("wipe is destructive; pass --yes to confirm")
			}

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			repo, cleanup, err := newRepo(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			dropped, err := repo.DropAll(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Dropped %d vertices.\n", dropped)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm the wipe")
	return cmd
}

func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the resource types the loaded schema supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			types, err := fhir.NewValidator(cfg.SchemaPath).ListSupportedTypes()
			if err != nil {
				return err
			}
			for _, t := range types {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// newRepo builds the configured graph backend. The cleanup func closes the
// backend connection; for the in-memory backend it is a no-op.
func newRepo(cfg *config.Config, logger zerolog.Logger) (graph.Repo, func(), error) {
	if cfg.GraphBackend == config.BackendMemory {
		logger.Warn().Msg("using the in-memory graph backend; data will not survive a restart")
		return graph.NewMemoryRepo(), func() {}, nil
	}

	repo, err := graph.NewGremlinRepo(graph.GremlinConfig{
		Endpoint:     cfg.GremlinEndpoint(),
		Username:     cfg.GraphUsername,
		Password:     cfg.GraphPassword,
		PoolSize:     cfg.GraphPoolSize,
		MaxInProcess: cfg.GraphMaxInProcess,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to gremlin: %w", err)
	}
	return repo, repo.Close, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	repo, cleanup, err := newRepo(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to graph backend")
	}
	defer cleanup()
	logger.Info().Str("backend", cfg.GraphBackend).Msg("graph backend ready")

	validator := fhir.NewValidator(cfg.SchemaPath)

	// Services
	mat := resource.NewMaterializer(repo, logger)
	persistence := resource.NewPersistence(repo, validator, mat, logger)
	versioning := resource.NewVersioning(repo, validator, mat, logger)
	conditional := resource.NewConditional(repo, versioning, validator, logger)
	processor := bundle.NewProcessor(versioning, conditional, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "If-Match", "If-None-Match", "If-None-Exist"},
	}))

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/graph", func(c echo.Context) error {
		count, err := repo.CountVertices(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"backend":  cfg.GraphBackend,
			"vertices": count,
		})
	})

	// FHIR surface
	baseURL := cfg.BaseURL + "/api/fhir/v1"
	fhirGroup := e.Group("/api/fhir/v1")
	resource.NewHandler(versioning, conditional, validator, baseURL, cfg.FHIRVersion, logger).Register(fhirGroup)
	bundle.NewHandler(processor, logger).Register(fhirGroup)

	// Graph surface
	graphapi.NewHandler(repo, persistence, validator, logger).Register(e.Group("/graph"))

	// Start and wait for shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}
