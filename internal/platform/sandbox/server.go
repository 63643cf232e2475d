package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-import/internal/platform/fhir"
	"github.com/ehr/fhir-import/internal/platform/metrics"
	"github.com/ehr/fhir-import/internal/platform/middleware"
)

// Config controls the sandbox EHR.
type Config struct {
	// Issuer is the public root URL, e.g. http://localhost:8095. Empty
	// derives it from each request's Host, which suits httptest servers.
	Issuer   string
	Seed     int64
	Patients int
	Counts   Counts
	// SigningKey is the HS256 key for tokens. Empty generates a random key.
	SigningKey []byte
	Clients    []Client
	TokenTTL   time.Duration
	Faults     Faults
	// RateLimit throttles FHIR searches per access token. Zero disables it.
	RateLimit middleware.RateLimitConfig
	// RequestTimeout bounds each request. Zero disables it.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
	// Registry receives the sandbox request counter and backs /metrics.
	// nil creates a private registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// Server is a running sandbox EHR.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	data     *Dataset
	authz    *authServer
	faults   *faultState
	logger   zerolog.Logger
	requests *prometheus.CounterVec
}

// NewServer seeds the dataset and builds the HTTP routes.
func NewServer(cfg Config) (*Server, error) {
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.Patients <= 0 {
		cfg.Patients = 1
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = make([]byte, 32)
		if _, err := rand.Read(cfg.SigningKey); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	for rt := range cfg.Faults.Types {
		if !rt.Valid() {
			return nil, fmt.Errorf("fault configured for unsupported resource type %q", rt)
		}
	}

	data := Seed(cfg.Seed, cfg.Patients, cfg.Counts)
	for rt, f := range cfg.Faults.Types {
		if len(f.Malformed) > 0 {
			data.corrupt(rt, f.Malformed)
		}
	}

	s := &Server{
		cfg:    cfg,
		data:   data,
		authz:  newAuthServer(cfg, data),
		faults: newFaultState(cfg.Faults),
		logger: cfg.Logger.With().Str("component", "sandbox").Logger(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_requests_total",
			Help: "Requests served by the sandbox EHR",
		}, []string{"route", "status"}),
	}
	if err := cfg.Registry.Register(s.requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("registering sandbox metrics: %w", err)
		}
		s.requests = are.ExistingCollector.(*prometheus.CounterVec)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(s.countRequests)
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	s.echo = e
	s.registerRoutes(e)

	s.logger.Info().
		Int("patients", data.Len()).
		Int64("seed", cfg.Seed).
		Int("faults", len(cfg.Faults.Types)).
		Msg("sandbox seeded")
	return s, nil
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/.well-known/smart-configuration", s.handleSMARTConfiguration)
	e.GET("/fhir/.well-known/smart-configuration", s.handleSMARTConfiguration)

	a := e.Group("/auth", middleware.BodyLimit("64K"))
	a.GET("/authorize", s.handleAuthorize)
	a.POST("/token", s.handleToken)
	a.POST("/launch", s.handleLaunch)

	f := e.Group("/fhir", middleware.RateLimit(s.cfg.RateLimit))
	f.GET("/metadata", s.handleMetadata)
	f.GET("/Patient/:id", s.handlePatientRead, s.requireBearer)
	f.GET("/:type", s.handleSearch, s.requireBearer)

	e.GET("/metrics", echo.WrapHandler(metrics.Handler(s.cfg.Registry)))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "patients": s.data.Len()})
	})
}

func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.requests.WithLabelValues(route, fmt.Sprint(status)).Inc()
		return err
	}
}

// issuer returns the configured issuer or one derived from the request.
func (s *Server) issuer(c echo.Context) string {
	if s.cfg.Issuer != "" {
		return s.cfg.Issuer
	}
	return c.Scheme() + "://" + c.Request().Host
}

// Handler exposes the routes for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Dataset returns the seeded charts.
func (s *Server) Dataset() *Dataset { return s.data }

// Launch creates an EHR launch context for patientID and returns the
// launch parameter to pass on the authorization request.
func (s *Server) Launch(patientID string) (string, error) {
	return s.authz.createLaunch(patientID)
}

// ExpireTokens invalidates every access token issued so far. Refresh
// tokens keep working.
func (s *Server) ExpireTokens() { s.authz.expireTokens() }

// RejectRefresh makes the token endpoint refuse refresh_token grants.
func (s *Server) RejectRefresh(v bool) { s.authz.setRejectRefresh(v) }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Str("issuer", s.cfg.Issuer).Msg("sandbox EHR listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleMetadata(c echo.Context) error {
	types := fhir.AllResourceTypes()
	resources := make([]map[string]any, 0, len(types)+1)
	resources = append(resources, map[string]any{
		"type":        fhir.ResourcePatient,
		"interaction": []map[string]string{{"code": "read"}, {"code": "search-type"}},
	})
	for _, rt := range types {
		resources = append(resources, map[string]any{
			"type":        rt,
			"interaction": []map[string]string{{"code": "search-type"}},
			"searchParam": []map[string]string{{"name": "patient", "type": "reference"}},
		})
	}
	iss := s.issuer(c)
	return fhirJSON(c, http.StatusOK, map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json"},
		"rest": []map[string]any{{
			"mode": "server",
			"security": map[string]any{
				"extension": []map[string]any{{
					"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
					"extension": []map[string]string{
						{"url": "authorize", "valueUri": iss + "/auth/authorize"},
						{"url": "token", "valueUri": iss + "/auth/token"},
					},
				}},
			},
			"resource": resources,
		}},
	})
}
