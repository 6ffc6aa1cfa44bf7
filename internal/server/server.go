package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/config"
	"github.com/syphonlabs/syphon/internal/job"
	"github.com/syphonlabs/syphon/internal/logging"
)

// Server wraps the HTTP query surface and its dependencies.
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *logging.Logger
}

// New builds the server over the given record store and log service.
// gatherer serves /metrics; nil falls back to the default registry.
func New(cfg *config.Config, records *job.Store, logs *job.LogService, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(CORS(DefaultCORSConfig()))
	router.Use(RateLimit(RateLimitConfig{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}))

	handlers := NewHandlers(records, logs, logger)

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET("/jobs/:identity/latest", handlers.LatestRun)
	router.GET("/jobs/:identity/history", handlers.RunHistory)
	router.GET("/jobs/:identity/logs/latest", handlers.LatestLog)

	router.GET("/ws/logs/:identity", handlers.StreamLog)

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Router exposes the gin engine, primarily for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("query surface listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
