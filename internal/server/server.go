// Package server wires storage, collaborators and background workers into
// the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/creditsaga/internal/circuitbreaker"
	"github.com/mbd888/creditsaga/internal/config"
	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/health"
	"github.com/mbd888/creditsaga/internal/idempotency"
	"github.com/mbd888/creditsaga/internal/idgen"
	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/logging"
	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/purchase"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/ratelimit"
	"github.com/mbd888/creditsaga/internal/realtime"
	"github.com/mbd888/creditsaga/internal/reconciliation"
	"github.com/mbd888/creditsaga/internal/security"
	"github.com/mbd888/creditsaga/internal/traces"
	"github.com/mbd888/creditsaga/internal/validation"
	"github.com/mbd888/creditsaga/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB                // nil if using in-memory
	redis *redis.Client          // nil if caching is disabled
	bolt  *idempotency.BoltStore // nil unless IDEMPOTENCY_BOLT_PATH is set

	collaborators *purchase.Collaborators
	ledger        *ledger.Service
	purchases     *purchase.Service
	dispatcher    *queue.Dispatcher
	sweeper       *idempotency.Sweeper
	reconciler    *reconciliation.Runner
	reconcileTmr  *reconciliation.Timer
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	keys          *idempotency.Middleware
	health        *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithCollaborators replaces the configured product, customer, shipment and
// promo services (for testing).
func WithCollaborators(c purchase.Collaborators) Option {
	return func(s *Server) {
		s.collaborators = &c
	}
}

// storage is the backend-specific half of the wiring.
type storage struct {
	ledger    ledger.Runner
	purchases purchase.Store
	statuses  reconciliation.StatusSource
	queue     queue.Queue
	keys      idempotency.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		health:  health.NewRegistry(),
	}

	// Apply options first (may set logger/collaborators)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, logging.Output{
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st storage
	if cfg.DatabaseURL != "" {
		st, err = s.openPostgres(ctx)
	} else {
		st, err = s.openMemory()
	}
	if err != nil {
		s.closeStores()
		return nil, err
	}

	collab, err := s.buildCollaborators(ctx)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSAllowedOrigins))

	s.ledger = ledger.NewService(st.ledger, s.logger)
	s.purchases = purchase.NewService(st.purchases, collab, s.logger).
		WithPolicy(purchase.Policy{
			ReturnWindow:     cfg.ReturnWindow,
			RefundWindow:     cfg.RefundWindow,
			RefundCapPercent: cfg.RefundCapPercent,
		}).
		WithRetry(cfg.RetryMaxAttempts, cfg.RetryBaseDelay).
		WithEvents(s.realtimeHub)

	s.dispatcher = queue.NewDispatcher(st.queue, cfg.RetryPollInterval, s.logger)
	s.purchases.RegisterRetryHandlers(s.dispatcher)

	gate := idempotency.NewGate(st.keys, cfg.IdempotencyTTL, s.logger)
	s.keys = idempotency.NewMiddleware(gate, s.logger)
	s.sweeper = idempotency.NewSweeper(st.keys, cfg.IdempotencySweepInterval, s.logger)

	s.reconciler = reconciliation.NewRunner(st.ledger, st.statuses, s.logger)
	s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health.Register("retry_dispatcher", health.RunningChecker("retry_dispatcher", s.dispatcher.Running))
	s.health.Register("idempotency_sweeper", health.RunningChecker("idempotency_sweeper", s.sweeper.Running))
	s.health.Register("reconciliation", s.reconcileTmr.Check)
	s.health.Register("realtime", health.RunningChecker("realtime", s.realtimeHub.Running))

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openPostgres(ctx context.Context) (storage, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return storage{}, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.db = db

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return storage{}, fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			return storage{}, err
		}
		s.logger.Info("database migrations applied")
	}

	if err := metrics.RegisterDB(db, "creditsaga"); err != nil {
		s.logger.Warn("failed to register db pool metrics", "error", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	purchases := purchase.NewPostgresStore(db)
	q := queue.NewPostgresQueue(db)
	s.health.Register("database", health.PingChecker("database", db))
	s.health.Register("queue", pingChecker("queue", q.Ping))

	return storage{
		ledger:    ledger.NewPostgresStore(db),
		purchases: purchases,
		statuses:  purchases,
		queue:     q,
		keys:      idempotency.NewPostgresStore(db),
	}, nil
}

func (s *Server) openMemory() (storage, error) {
	s.logger.Info("using in-memory storage (data will not persist)")

	l := ledger.NewMemoryStore()
	q := queue.NewMemoryQueue()
	purchases := purchase.NewMemoryStore(l, q)

	var keys idempotency.Store = idempotency.NewMemoryStore()
	if path := s.cfg.IdempotencyBoltPath; path != "" {
		bolt, err := idempotency.OpenBoltStore(path)
		if err != nil {
			return storage{}, fmt.Errorf("failed to open idempotency store: %w", err)
		}
		s.bolt = bolt
		keys = bolt
		s.logger.Info("idempotency keys persisted", "path", path)
	}

	return storage{
		ledger:    l,
		purchases: purchases,
		statuses:  purchases,
		queue:     q,
		keys:      keys,
	}, nil
}

// buildCollaborators picks HTTP clients for configured URLs and seeded
// in-memory services otherwise, then puts the read-through cache in front of
// product and customer lookups.
func (s *Server) buildCollaborators(ctx context.Context) (purchase.Collaborators, error) {
	if s.collaborators != nil {
		return *s.collaborators, nil
	}

	cfg := s.cfg
	breaker := external.NewBreaker(circuitbreaker.WithTransitionHook(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("collaborator circuit changed state", "service", key, "from", from.String(), "to", to.String())
	}))
	var c purchase.Collaborators
	remote := false

	if cfg.ProductAPIURL != "" {
		c.Products = external.NewProductClient(cfg.ProductAPIURL, cfg.ExternalTimeout, breaker)
		remote = true
	} else {
		c.Products = external.NewMemoryProducts(seedProducts()...)
	}
	if cfg.CustomerAPIURL != "" {
		c.Customers = external.NewCustomerClient(cfg.CustomerAPIURL, cfg.ExternalTimeout, breaker)
		remote = true
	} else {
		c.Customers = external.NewMemoryCustomers(seedCustomers()...)
	}
	if cfg.ShipmentAPIURL != "" {
		c.Shipments = external.NewShipmentClient(cfg.ShipmentAPIURL, cfg.ExternalTimeout, breaker)
	} else {
		c.Shipments = external.NewMemoryShipments()
	}
	if cfg.PromoAPIURL != "" {
		c.Promos = external.NewPromoClient(cfg.PromoAPIURL, cfg.ExternalTimeout, breaker)
	} else {
		c.Promos = external.NewMemoryPromos(seedPromos()...)
	}
	if remote {
		s.health.RegisterOptional("collaborators", breakerChecker(breaker))
	} else {
		s.logger.Warn("using in-memory collaborators with seeded catalog")
	}

	var cache external.Cache
	switch {
	case cfg.RedisAddr != "":
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rc := external.NewRedisCache(s.redis)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			return c, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.RegisterOptional("cache", pingChecker("cache", rc.Ping))
		s.logger.Info("collaborator cache enabled", "backend", "redis", "ttl", cfg.CacheTTL)
		cache = rc
	case remote:
		cache = external.NewMemoryCache()
		s.logger.Info("collaborator cache enabled", "backend", "memory", "ttl", cfg.CacheTTL)
	}
	if cache != nil {
		c.Products = external.NewCachedProducts(c.Products, cache, cfg.CacheTTL, s.logger)
		c.Customers = external.NewCachedCustomers(c.Customers, cache, cfg.CacheTTL, s.logger)
	}
	return c, nil
}

// pingChecker adapts a Ping(ctx) method to a health checker.
func pingChecker(name string, ping func(context.Context) error) health.Checker {
	return func(ctx context.Context) health.Status {
		if err := ping(ctx); err != nil {
			return health.Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: name, Healthy: true}
	}
}

// breakerChecker is unhealthy while any collaborator circuit is open.
func breakerChecker(b *circuitbreaker.Breaker) health.Checker {
	return func(context.Context) health.Status {
		if open := b.Open(); len(open) > 0 {
			return health.Status{Name: "collaborators", Healthy: false, Detail: "circuit open: " + strings.Join(open, ", ")}
		}
		return health.Status{Name: "collaborators", Healthy: true}
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS (support dashboard may be served from another origin)
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Server span per request
	s.router.Use(traces.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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
			logger.Debug("request completed",
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
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	if s.cfg.RateLimitPerMinute > 0 {
		var store ratelimit.Store
		if s.redis != nil {
			store = ratelimit.NewRedisStore(s.redis, "creditsaga:ratelimit:")
		}
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			Burst:             s.cfg.RateLimitBurst,
		}, store, s.logger)
		v1.Use(s.rateLimiter.Middleware())
	}

	purchase.NewHandler(s.purchases, s.logger).RegisterRoutes(v1, s.keys)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1, s.keys)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
	v1.GET("/stream", s.realtimeHub.Stream)
	v1.GET("/stream/stats", s.streamStatsHandler)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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
		"name":        "creditsaga",
		"description": "Store-credit purchases with escrow, settlement and refunds",
		"version":     s.version,
		"storage":     s.storageKind(),
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx := s.startBackground(ctx)

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-runCtx.Done():
		}
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, retry consumers, key sweeper and
// reconciliation timer.
func (s *Server) startBackground(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.dispatcher.Start(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconcileTmr.Start(runCtx)
	return runCtx
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if s.cfg.IsProduction() {
			// Give load balancers time to stop sending traffic
			time.Sleep(5 * time.Second)
		}
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop consumers before the stores they write to
	s.dispatcher.Stop()
	s.sweeper.Stop()
	s.reconcileTmr.Stop()
	s.logger.Info("background workers stopped")

	// Cancel the context for all background goroutines (hub, timers, consumers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.Error("idempotency store close error", "error", err)
		}
		s.bolt = nil
	}
	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
