// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/tradekite/dealcore/internal/config"
	"github.com/tradekite/dealcore/internal/contracts"
	"github.com/tradekite/dealcore/internal/escrow"
	"github.com/tradekite/dealcore/internal/events"
	"github.com/tradekite/dealcore/internal/health"
	"github.com/tradekite/dealcore/internal/logging"
	"github.com/tradekite/dealcore/internal/metrics"
	"github.com/tradekite/dealcore/internal/negotiation"
	"github.com/tradekite/dealcore/internal/ratelimit"
	"github.com/tradekite/dealcore/internal/realtime"
	"github.com/tradekite/dealcore/internal/security"
	"github.com/tradekite/dealcore/internal/traces"
	"github.com/tradekite/dealcore/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	negotiations *negotiation.Service
	escrows      *escrow.Service
	workshop     *contracts.Service
	provider     escrow.Provider

	publisher *events.Publisher
	hub       *realtime.Hub
	checks    *health.Registry

	expiryTimer    *negotiation.Timer
	reconcileTimer *escrow.Timer
	rateLimiter    *ratelimit.Limiter

	db      *sql.DB // nil if using in-memory stores
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets a custom escrow provider (for testing)
func WithProvider(p escrow.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Event fan-out: every committed domain event goes to the realtime hub
	// and, when configured, to the external HTTP sink.
	s.publisher = events.NewPublisher(s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.publisher.AddSink(s.hub)
	if cfg.EventSinkURL != "" {
		if err := security.ValidateEndpointURL(cfg.EventSinkURL); err != nil {
			return nil, fmt.Errorf("invalid EVENT_SINK_URL: %w", err)
		}
		s.publisher.AddSink(events.NewHTTPSink(cfg.EventSinkURL, cfg.EventSinkSecret))
		s.logger.Info("event sink enabled", "url", cfg.EventSinkURL)
	}

	// Escrow provider (simulated unless configured otherwise). Calls to a
	// real provider go through a circuit breaker so an outage fails fast.
	if s.provider == nil {
		switch cfg.EscrowProvider {
		case "stripe":
			s.provider = escrow.NewBreakerProvider(escrow.NewStripeProvider(cfg.StripeSecretKey))
			s.logger.Info("escrow provider: stripe")
		default:
			s.provider = escrow.NewSimulatedProvider()
			s.logger.Info("escrow provider: simulated")
		}
	}

	// Attachment storage collaborator (optional)
	var storage contracts.StorageSync
	if cfg.StorageSyncURL != "" {
		if err := security.ValidateEndpointURL(cfg.StorageSyncURL); err != nil {
			return nil, fmt.Errorf("invalid STORAGE_SYNC_URL: %w", err)
		}
		storage = contracts.NewHTTPStorageSync(cfg.StorageSyncURL)
		s.logger.Info("attachment storage sync enabled", "url", cfg.StorageSyncURL)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		negotiationStore negotiation.Store
		escrowStore      escrow.Store
		contractStore    contracts.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		negotiationStore = negotiation.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		contractStore = contracts.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		// All three domains share one outbox so event sequences stay
		// monotonic per negotiation across escrow and contract activity.
		outbox := events.NewMemoryOutbox()
		negotiationStore = negotiation.NewMemoryStore(outbox)
		escrowStore = escrow.NewMemoryStore(outbox)
		contractStore = contracts.NewMemoryStore(outbox)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Domain services. The negotiation service drives escrow and contracts;
	// the other two report back through it as their notifier.
	s.escrows = escrow.NewService(escrowStore, s.provider, s.publisher, s.logger)
	s.workshop = contracts.NewService(contractStore, storage, s.publisher, s.logger)
	s.negotiations = negotiation.NewService(negotiationStore, s.publisher, s.logger).
		WithEscrow(s.escrows).
		WithContracts(s.workshop)
	s.escrows.WithNotifier(s.negotiations)
	s.workshop.WithNotifier(s.negotiations)

	// Background sweeps
	s.expiryTimer = negotiation.NewTimer(s.negotiations, cfg.ExpirySweepInterval, s.logger)
	s.reconcileTimer = escrow.NewTimer(s.escrows, cfg.ReconcileInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for now - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time deal event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Provider webhooks live outside the v1 group; the payload signature is
	// the authentication.
	webhookRoot := s.router.Group("")
	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterWebhookRoutes(webhookRoot)

	// V1 API group
	v1 := s.router.Group("/v1")

	negotiationHandler := negotiation.NewHandler(s.negotiations)
	negotiationHandler.RegisterRoutes(v1)

	escrowHandler.RegisterRoutes(v1)

	workshopHandler := contracts.NewHandler(s.workshop)
	workshopHandler.RegisterRoutes(v1)

	// Operator routes (forced cancellation, manual expiry sweep)
	admin := v1.Group("/admin")
	negotiationHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "dealcore",
		"version": "0.1.0",
		"endpoints": gin.H{
			"negotiations": "/v1/negotiations",
			"escrow":       "/v1/escrow",
			"revisions":    "/v1/revisions",
			"events":       "/ws",
			"health":       "/health",
			"metrics":      "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start expiry and reconciliation sweeps
	go s.expiryTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop sweep timers
	s.expiryTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("sweep timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush in-flight event deliveries and attachment syncs
	s.publisher.Wait()
	s.workshop.WaitForSync()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
