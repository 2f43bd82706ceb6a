// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/scanguard/internal/alerts"
	"github.com/mbd888/scanguard/internal/auth"
	"github.com/mbd888/scanguard/internal/catalog"
	"github.com/mbd888/scanguard/internal/config"
	"github.com/mbd888/scanguard/internal/engagement"
	"github.com/mbd888/scanguard/internal/geoanalytics"
	"github.com/mbd888/scanguard/internal/health"
	"github.com/mbd888/scanguard/internal/idgen"
	"github.com/mbd888/scanguard/internal/ingest"
	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/plans"
	"github.com/mbd888/scanguard/internal/ratelimit"
	"github.com/mbd888/scanguard/internal/realtime"
	"github.com/mbd888/scanguard/internal/reporting"
	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/scans"
	"github.com/mbd888/scanguard/internal/security"
	"github.com/mbd888/scanguard/internal/traces"
	"github.com/mbd888/scanguard/internal/validation"
	"github.com/mbd888/scanguard/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	scanStore    scans.Store
	accountStore plans.AccountStore
	products     catalog.Store
	authMgr      *auth.Manager
	plans        *plans.Service
	recorder     *alerts.Recorder
	ingest       *ingest.Service
	reports      *reporting.Service
	consumer     *ingest.Consumer
	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	rateLimiter  *ratelimit.Limiter
	redis        *redis.Client
	health       *health.Registry
	geoCache     geoanalytics.Cache

	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithScanStore replaces the scan store (for testing)
func WithScanStore(store scans.Store) Option {
	return func(s *Server) {
		s.scanStore = store
	}
}

// WithGeoCache replaces the snapshot cache (for testing)
func WithGeoCache(cache geoanalytics.Cache) Option {
	return func(s *Server) {
		s.geoCache = cache
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initCache(); err != nil {
		return nil, err
	}
	s.initServices()

	if cfg.KafkaEnabled() {
		s.consumer = ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, s.ingest)
		s.logger.Info("kafka scan consumer configured", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage opens Postgres when DATABASE_URL is set, otherwise uses
// in-memory stores.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		if s.scanStore == nil {
			s.scanStore = scans.NewMemoryStore()
		}
		s.accountStore = plans.NewMemoryStore()
		s.products = catalog.NewMemoryCatalog()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.recorder = alerts.NewRecorder(alerts.NewMemoryStore(), s.scanStore)
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	accountStore := plans.NewPostgresStore(db)
	authStore := auth.NewPostgresStore(db)
	scanStore := scans.NewPostgresStore(db)
	alertStore := alerts.NewPostgresStore(db)
	productStore := catalog.NewPostgresCatalog(db)
	webhookStore := webhooks.NewPostgresStore(db)

	// Outside development the schema comes from cmd/migrate.
	if s.cfg.IsDevelopment() {
		migrators := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"accounts", accountStore.Migrate},
			{"api_keys", authStore.Migrate},
			{"scans", scanStore.Migrate},
			{"alerts", alertStore.Migrate},
			{"products", productStore.Migrate},
			{"webhooks", webhookStore.Migrate},
		}
		for _, m := range migrators {
			if err := m.fn(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", m.name, "error", err)
			}
		}
	}

	if s.scanStore == nil {
		s.scanStore = scanStore
	}
	s.accountStore = accountStore
	s.products = productStore
	s.authMgr = auth.NewManager(authStore)
	s.recorder = alerts.NewRecorder(alertStore, s.scanStore)
	s.webhookStore = webhookStore

	s.health.Register("postgres", health.PingChecker("postgres", db.PingContext))
	return nil
}

func (s *Server) initCache() error {
	if s.geoCache != nil {
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.geoCache = geoanalytics.NewMemoryCache()
		return nil
	}
	rc, err := geoanalytics.NewRedisCache(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to configure redis: %w", err)
	}
	s.geoCache = rc
	s.redis = rc.Client()
	s.health.RegisterOptional("redis", health.PingChecker("redis", rc.Ping))
	s.logger.Info("geo snapshot cache enabled", "backend", "redis", "ttl", s.cfg.SnapshotCacheTTL)
	return nil
}

func (s *Server) initServices() {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	s.recorder.WithPublisher(alerts.Publishers{s.realtimeHub, s.webhooks})

	s.plans = plans.NewService(s.accountStore).WithCodeCounter(s.scanStore)

	scorer := risk.NewScorer(s.cfg.Risk, s.scanStore)
	s.ingest = ingest.NewService(s.scanStore, scorer, s.recorder, scans.NewAnonymizer(s.cfg.IPHashSecret)).
		WithRetry(ingest.RetryPolicy{
			Attempts:  s.cfg.ScanRetryAttempts,
			BaseDelay: s.cfg.ScanRetryBaseDelay,
			MaxDelay:  s.cfg.ScanRetryBaseDelay * 20,
		}).
		WithQuota(s.plans)
	if s.cfg.IPHashSecret == "" {
		s.logger.Warn("IP_HASH_SECRET not set, scanner addresses are stored unhashed")
	}

	var geo geoanalytics.Reader = geoanalytics.NewAggregator(s.scanStore)
	if s.cfg.SnapshotCacheTTL > 0 {
		geo = geoanalytics.NewCachedAggregator(geo, s.geoCache, s.cfg.SnapshotCacheTTL)
	}

	s.reports = reporting.NewService(s.plans, s.recorder, geo, engagement.NewService(s.scanStore), s.scanStore).
		WithNamer(s.products).
		WithObserver(reporting.MetricsObserver{})
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

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Load balancers may already have assigned one.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(validation.ParamMiddleware())
	v1.GET("/info", s.infoHandler)

	// Public scan ingestion, throttled per client IP. With Redis the budget
	// is shared across replicas and the local bucket covers Redis outages.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	limit := s.rateLimiter.Middleware()
	if s.redis != nil {
		shared := ratelimit.NewRedisWindow(s.redis, s.cfg.RateLimitRPM+s.cfg.RateLimitBurst, time.Minute)
		limit = ratelimit.Middleware(shared, s.rateLimiter)
	}
	ingestHandler := ingest.NewHandler(s.ingest)
	ingestHandler.RegisterPublicRoutes(v1, limit)

	auth.NewHandler(s.authMgr).RegisterRoutes(v1)

	// Everything under /accounts/:accountId requires a key of that account.
	account := v1.Group("", auth.RequireAccount("accountId"))
	plansHandler := plans.NewHandler(s.accountStore, s.authMgr)
	plansHandler.RegisterProtectedRoutes(account)
	catalog.NewHandler(s.products).RegisterProtectedRoutes(account)
	ingestHandler.RegisterProtectedRoutes(account)
	reporting.NewHandler(s.reports).WithTimeout(s.cfg.ReportTimeout).RegisterRoutes(account)
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterRoutes(account)

	stream := v1.Group("", auth.RequireAuth())
	s.realtimeHub.RegisterRoutes(stream)

	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
	plansHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/stats", s.statsHandler)
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
		Version:   Version,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "scanguard",
		"description": "QR scan security scoring and geographic analytics",
		"version":     Version,
		"plans":       plans.Plans,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	_, checks := s.health.CheckAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"realtime":      s.realtimeHub.Stats(),
		"checks":        checks,
		"kafkaConsumer": s.consumer != nil,
		"postgres":      s.db != nil,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Setup(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.consumer != nil {
		go func() {
			cctx := logging.WithLogger(runCtx, s.logger)
			if err := s.consumer.Run(cctx); err != nil {
				errChan <- fmt.Errorf("scan consumer: %w", err)
			}
		}()
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("scan consumer close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Alerts recorded before shutdown still reach their webhooks.
	if s.webhooks != nil {
		s.webhooks.Wait()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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
