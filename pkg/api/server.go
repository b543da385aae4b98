// Package api exposes the registry and the watcher over HTTP.
//
// Every route is mounted under the configured root, /polman by default.
// Failed requests answer with {"status_code": <code>, "detail": "<message>"}
// where the code is derived from the kind of the polman error.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/icos-project/polman/pkg/catalog"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/registry"
	"github.com/icos-project/polman/pkg/stores"
	"github.com/icos-project/polman/pkg/watcher"
)

const shutdownTimeout = 10 * time.Second

// Registry is the part of the lifecycle engine served by the API.
type Registry interface {
	CreatePolicy(ctx context.Context, req *model.PolicyCreate, activate bool) (*model.Policy, error)
	GetByID(ctx context.Context, id string) (*model.Policy, error)
	FindPolicies(ctx context.Context, filters stores.Filters, sortBy, order string) ([]*model.Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	Activate(ctx context.Context, id string) (*model.Policy, error)
	Deactivate(ctx context.Context, id string) (*model.Policy, error)
	SetVariable(ctx context.Context, id, name string, value interface{}) (*model.Policy, error)
	Stats(ctx context.Context) (*registry.Stats, error)
}

// Watcher receives alert notifications and forced transitions.
type Watcher interface {
	ProcessWebhook(ctx context.Context, wh *watcher.Webhook)
	Violate(ctx context.Context, id string, value float64, labels map[string]string) error
	Resolve(ctx context.Context, id string) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config configures the HTTP server.
type Config struct {
	Address            string
	Root               string
	AllowedCorsOrigins []string
	EnableDebugCalls   bool
	ServiceName        string
}

// Deps are the components behind the routes. Metrics and Health are
// optional.
type Deps struct {
	Registry Registry
	Watcher  Watcher
	Catalog  *catalog.Catalog
	Metrics  http.Handler
	Health   HealthChecker
}

// Server is the polman HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
	logger zerolog.Logger
}

// New creates the server and registers its routes.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "polman"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: gin.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(cfg.ServiceName))
	s.router.Use(requestLogger(s.logger))
	if len(cfg.AllowedCorsOrigins) > 0 {
		s.logger.Info().Strs("origins", cfg.AllowedCorsOrigins).Msg("CORS enabled")
		s.router.Use(cors(cfg.AllowedCorsOrigins))
	}

	s.setupRoutes()
	return s
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	root := s.router.Group(s.cfg.Root)

	root.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		root.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := root.Group("/registry/api/v1")
	{
		policies := v1.Group("/policies")
		policies.GET("/", s.listPolicies)
		policies.POST("/", s.createPolicy)
		policies.GET("/:id", s.getPolicy)
		policies.DELETE("/:id", s.deletePolicy)
		policies.POST("/:id/activate", s.activatePolicy)
		policies.POST("/:id/deactivate", s.deactivatePolicy)
		policies.GET("/:id/variables/", s.getVariables)
		policies.POST("/:id/variables/:name/:value", s.setVariable)
		policies.DELETE("/:id/variables/:name", s.unsetVariable)

		v1.GET("/stats/", s.stats)
		v1.GET("/templates/", s.templates)
	}

	watch := root.Group("/watcher/api/v1")
	{
		watch.POST("/webhooks/alertmanager", s.alertmanagerWebhook)

		if s.cfg.EnableDebugCalls {
			s.logger.Info().Msg("Enabling watcher debug calls")
			watch.POST("/test/violate/:id/:value", s.forceViolation)
			watch.POST("/test/resolve/:id", s.forceResolution)
		}
	}
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Address).Str("root", s.cfg.Root).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
