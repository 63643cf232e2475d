package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhir-import/internal/config"
	"github.com/ehr/fhir-import/internal/importer"
	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/db"
	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/internal/platform/fhirclient"
	"github.com/ehr/fhir-import/internal/platform/metrics"
	"github.com/ehr/fhir-import/internal/platform/middleware"
	"github.com/ehr/fhir-import/internal/platform/provider"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhir-import",
		Short:        "Import a patient's records from a SMART on FHIR EHR",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file to read before the environment")

	root.AddCommand(providersCmd())
	root.AddCommand(authorizeCmd())
	root.AddCommand(callbackCmd())
	root.AddCommand(connectCmd())
	root.AddCommand(sandboxCmd())
	root.AddCommand(migrateCmd())
	return root
}

// newLogger writes JSON to w, or a console format in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

// app holds what every command shares. close releases whatever was opened.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *provider.Registry
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	out      io.Writer

	pool    *pgxpool.Pool
	closers []func()
}

func loadApp(cmd *cobra.Command) (*app, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &app{
		cfg:      cfg,
		logger:   newLogger(cfg, cmd.ErrOrStderr()),
		registry: provider.Default(cfg.SandboxIssuer),
		promReg:  reg,
		metrics:  metrics.New(reg),
		out:      cmd.OutOrStdout(),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTPTimeout}
}

// stateStore opens the configured PKCE state backend.
func (a *app) stateStore(ctx context.Context) (auth.StateStore, error) {
	switch a.cfg.StateStore {
	case config.StoreRedis:
		rdb, err := auth.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		return auth.NewRedisStateStore(rdb, a.cfg.RedisPrefix), nil
	case config.StorePostgres:
		pool, err := a.dbPool(ctx)
		if err != nil {
			return nil, err
		}
		return auth.NewPGStateStoreFromPool(pool), nil
	default:
		return auth.NewMemoryStateStore(), nil
	}
}

func (a *app) dbPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if a.cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      a.cfg.DatabaseURL,
		MaxConns: a.cfg.DBMaxConns,
		MinConns: a.cfg.DBMinConns,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

// client builds an auth client for providerID. With discover set the
// server's SMART configuration is checked first.
func (a *app) client(ctx context.Context, providerID string, discover bool, store auth.StateStore) (*auth.Client, error) {
	desc, err := a.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}
	if discover {
		smart, err := auth.Discover(ctx, a.httpClient(), desc.BaseURL)
		if err != nil {
			return nil, err
		}
		desc = auth.ApplyDiscovery(desc, smart)
		a.logger.Info().Str("provider", desc.ID).Strs("capabilities", smart.Capabilities).Msg("SMART configuration verified")
	}
	return auth.NewClient(desc, auth.ClientConfig{
		ClientID:      a.cfg.ClientID,
		RedirectURI:   a.cfg.RedirectURI,
		HTTPClient:    a.httpClient(),
		Store:         store,
		StateTTL:      a.cfg.StateTTL,
		RefreshLeeway: a.cfg.RefreshLeeway,
		Locale:        a.cfg.Locale,
		Logger:        a.logger,
	})
}

// runImport imports through conn and writes the Result as JSON.
func (a *app) runImport(ctx context.Context, client *auth.Client, conn *auth.Connection, types []fhir.ResourceType) (*importer.Result, error) {
	session := auth.NewSession(conn, client, auth.SessionOptions{
		Logger:        a.logger,
		Metrics:       a.metrics,
		RefreshLeeway: a.cfg.RefreshLeeway,
	})
	f := fhirclient.New(
		fhirclient.WithHTTPClient(a.httpClient()),
		fhirclient.WithPageSize(a.cfg.PageSize),
		fhirclient.WithMaxPerType(a.cfg.MaxResourcesPerType),
		fhirclient.WithRetries(a.cfg.FetchRetries, a.cfg.FetchRetryDelay),
		fhirclient.WithLogger(a.logger),
		fhirclient.WithMetrics(a.metrics),
	)
	im := importer.New(f, importer.Options{
		Locale:   a.cfg.Locale,
		Registry: a.registry,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	res, err := im.RunImport(ctx, session, types, importer.ObserverFuncs{
		Progress: func(p importer.Progress) {
			a.logger.Debug().
				Str("stage", string(p.Stage)).
				Str("current_type", string(p.CurrentType)).
				Int("processed", p.Processed).
				Int("total", p.Total).
				Msg("import progress")
		},
	})
	if res != nil {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil && err == nil {
			err = encErr
		}
	}
	return res, err
}

// serveMetrics exposes /metrics and /health on METRICS_ADDR while an
// import runs. It returns a stop function.
func (a *app) serveMetrics() func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(a.logger))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.promReg)))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, 0))
	}
	go func() {
		if err := e.Start(a.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn().Err(err).Str("addr", a.cfg.MetricsAddr).Msg("metrics listener failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}
}

// parseTypes reads a comma-separated resource type list. Empty means all.
func parseTypes(s string) ([]fhir.ResourceType, error) {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return fhir.ParseResourceTypes(names)
}

// importError turns a fatal import failure into the localized message the
// user should see.
func importError(err error, locale string) error {
	if err == nil {
		return nil
	}
	if auth.IsFatal(err) {
		return fmt.Errorf("%s: %w", auth.UserMessage(err, locale), err)
	}
	return err
}
