package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/fhir-import/internal/platform/auth"
	"github.com/ehr/fhir-import/internal/platform/db"
	"github.com/ehr/fhir-import/internal/platform/metrics"
	"github.com/ehr/fhir-import/internal/platform/middleware"
	"github.com/ehr/fhir-import/internal/platform/sandbox"
)

func providersCmd() *cobra.Command {
	var locale string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the EHR providers this build can connect to",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if locale == "" {
				locale = a.cfg.Locale
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBASE URL\tLAUNCH")
			for _, d := range a.registry.List() {
				launch := "standalone"
				if d.LaunchRequired {
					launch = "ehr"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.DisplayName(locale), d.BaseURL, launch)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "locale for provider names (default LOCALE)")
	return cmd
}

func authorizeCmd() *cobra.Command {
	var providerID, launch string
	var discover bool
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Print an authorization URL and save its PKCE state",
		Long: "Builds the authorization request for a provider and saves the PKCE verifier in the\n" +
			"configured state store. Open the URL, then pass the redirect to `fhir-import callback`.\n" +
			"The two commands only share state through a redis or postgres STATE_STORE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := a.stateStore(ctx)
			if err != nil {
				return err
			}
			client, err := a.client(ctx, providerID, discover, store)
			if err != nil {
				return err
			}
			req, err := client.BuildAuthorizationRequest(ctx, launch)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, req.URL)
			a.logger.Info().
				Str("provider", providerID).
				Str("state", req.State).
				Str("scope", req.Scope).
				Time("expires_at", req.ExpiresAt).
				Msg("authorization request saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id (see `providers`)")
	cmd.Flags().StringVar(&launch, "launch", "", "EHR launch context")
	cmd.Flags().BoolVar(&discover, "discover", false, "verify the provider's SMART configuration first")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func callbackCmd() *cobra.Command {
	var providerID, redirect, types string
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Complete an authorization from its redirect URL and import",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			rts, err := parseTypes(types)
			if err != nil {
				return err
			}
			params, err := auth.ParseCallback(redirect)
			if err != nil {
				return importError(err, a.cfg.Locale)
			}
			ctx := cmd.Context()
			store, err := a.stateStore(ctx)
			if err != nil {
				return err
			}
			client, err := a.client(ctx, providerID, false, store)
			if err != nil {
				return err
			}
			conn, err := client.ExchangeCodeForToken(ctx, params.Code, params.State)
			if err != nil {
				return importError(err, a.cfg.Locale)
			}
			_, err = a.runImport(ctx, client, conn, rts)
			return importError(err, a.cfg.Locale)
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id the authorization was started for")
	cmd.Flags().StringVar(&redirect, "url", "", "full redirect URL the provider sent the browser to")
	cmd.Flags().StringVar(&types, "types", "", "comma-separated resource types (default all)")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func connectCmd() *cobra.Command {
	var providerID, launch, types string
	var headless, discover bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Authorize through a local callback listener and import",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			rts, err := parseTypes(types)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, err := a.stateStore(ctx)
			if err != nil {
				return err
			}
			client, err := a.client(ctx, providerID, discover, store)
			if err != nil {
				return err
			}

			cb, err := listenForCallback(a, a.cfg.CallbackAddr, a.cfg.RedirectURI)
			if err != nil {
				return err
			}
			defer cb.stop()

			req, err := client.BuildAuthorizationRequest(ctx, launch)
			if err != nil {
				return err
			}
			if headless {
				go followAuthorization(ctx, a, req.URL)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL to authorize:\n\n  %s\n\n", req.URL)
			}

			var params *auth.CallbackParams
			select {
			case res := <-cb.results:
				if res.err != nil {
					_ = client.AbandonAuthorization(context.Background(), req.State)
					return importError(res.err, a.cfg.Locale)
				}
				params = res.params
			case <-ctx.Done():
				_ = client.AbandonAuthorization(context.Background(), req.State)
				return fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
			}

			conn, err := client.ExchangeCodeForToken(ctx, params.Code, params.State)
			if err != nil {
				return importError(err, a.cfg.Locale)
			}
			_, err = a.runImport(ctx, client, conn, rts)
			return importError(err, a.cfg.Locale)
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id (see `providers`)")
	cmd.Flags().StringVar(&launch, "launch", "", "EHR launch context")
	cmd.Flags().StringVar(&types, "types", "", "comma-separated resource types (default all)")
	cmd.Flags().BoolVar(&headless, "headless", false, "follow the authorization URL without a browser (auto-approving servers only)")
	cmd.Flags().BoolVar(&discover, "discover", false, "verify the provider's SMART configuration first")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for authorization and import")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

type callbackResult struct {
	params *auth.CallbackParams
	err    error
}

type callbackListener struct {
	results chan callbackResult
	stop    func()
}

// listenForCallback serves the redirect URI path on addr and delivers the
// first callback it sees.
func listenForCallback(a *app, addr, redirectURI string) (*callbackListener, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for callback on %s: %w", addr, err)
	}

	results := make(chan callbackResult, 1)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.promReg)))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET(path, func(c echo.Context) error {
		params, err := auth.ParseCallbackQuery(c.QueryParams())
		select {
		case results <- callbackResult{params: params, err: err}:
		default:
			return c.String(http.StatusConflict, "authorization already received\n")
		}
		if err != nil {
			return c.String(http.StatusBadRequest, auth.UserMessage(err, a.cfg.Locale)+"\n")
		}
		return c.String(http.StatusOK, "Authorization received. You can close this window.\n")
	})

	go func() {
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn().Err(err).Msg("callback listener stopped")
		}
	}()
	a.logger.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("waiting for authorization callback")

	return &callbackListener{
		results: results,
		stop: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = e.Shutdown(ctx)
		},
	}, nil
}

// followAuthorization walks the authorization redirects the way a browser
// would, ending at the local callback listener.
func followAuthorization(ctx context.Context, a *app, authURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		a.logger.Error().Err(err).Msg("building authorization request")
		return
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		a.logger.Error().Err(err).Msg("following authorization URL")
		return
	}
	resp.Body.Close()
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the local SMART on FHIR sandbox EHR",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			key, err := a.cfg.SigningKey()
			if err != nil {
				return err
			}
			srv, err := sandbox.NewServer(sandbox.Config{
				Issuer:     a.cfg.SandboxIssuer,
				Seed:       a.cfg.SandboxSeed,
				Patients:   a.cfg.SandboxPatients,
				SigningKey: key,
				RateLimit: middleware.RateLimitConfig{
					RequestsPerSecond: a.cfg.SandboxRateLimitRPS,
					BurstSize:         a.cfg.SandboxRateLimitBurst,
				},
				RequestTimeout: a.cfg.HTTPTimeout,
				Logger:         a.logger,
				Registry:       a.promReg,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(a.cfg.SandboxAddr) }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err := <-errCh:
				return err
			case <-quit:
			case <-cmd.Context().Done():
			}

			a.logger.Info().Msg("shutting down sandbox")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres state store schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "directory of NNN_name.sql migrations (default built-in schema)")

	migrator := func(cmd *cobra.Command) (*app, *db.Migrator, error) {
		a, err := loadApp(cmd)
		if err != nil {
			return nil, nil, err
		}
		pool, err := a.dbPool(cmd.Context())
		if err != nil {
			a.close()
			return nil, nil, err
		}
		migrations := []db.Migration{{
			Version: 1,
			Name:    "001_oauth_pending_authorizations.sql",
			SQL:     auth.MigrationPendingAuthorizations,
		}}
		if dir != "" {
			migrations, err = db.LoadMigrations(os.DirFS(dir))
			if err != nil {
				a.close()
				return nil, nil, err
			}
		}
		m, err := db.NewMigrator(pool, a.logger, migrations...)
		if err != nil {
			a.close()
			return nil, nil, err
		}
		return a, m, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, m, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, m, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						at = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Fprintf(a.out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	})
	return cmd
}
