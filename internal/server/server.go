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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/config"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/health"
	"github.com/mbd888/tradeguard/internal/lease"
	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/ratelimit"
	"github.com/mbd888/tradeguard/internal/realtime"
	"github.com/mbd888/tradeguard/internal/reconciliation"
	"github.com/mbd888/tradeguard/internal/security"
	"github.com/mbd888/tradeguard/internal/storage"
	"github.com/mbd888/tradeguard/internal/traces"
)

// Version is reported by the health endpoint and the trace resource.
const Version = "0.1.0"

// Store is everything the services need from a storage backend.
// storage.MemoryDB and storage.PostgresDB both implement it.
type Store interface {
	order.TxRunner
	order.TierLookup
	order.TierWriter
	ledger.TxRunner
	Ping(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          Store
	db             *sql.DB // nil if using in-memory
	orders         *order.Service
	wallet         *ledger.Service
	sweepTimer     *order.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	kafkaSink      *events.KafkaSink
	redis          *redis.Client
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	traceShutdown  func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithStore sets the storage backend instead of building one from config
// (for testing)
func WithStore(store Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("database", health.Ping("database", s.store.Ping))

	// Realtime hub doubles as an event sink
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := events.Multi{events.NewLogSink(s.logger), s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafkaSink = events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		sinks = append(sinks, GuardKafka(s.kafkaSink))
		s.logger.Info("kafka event publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	emitter := events.NewEmitter(sinks, s.logger)

	s.orders = order.NewService(s.store, s.store, OrderConfig(cfg), emitter, s.logger)
	s.wallet = ledger.NewService(s.store, ledger.Policy{
		WithdrawalFeeRate: cfg.WithdrawalFeeRate,
		MinWithdrawal:     cfg.MinWithdrawal,
	}, emitter, s.logger)

	// Deadline sweep, leased through Redis when several replicas run
	s.sweepTimer = order.NewTimer(s.orders, cfg.SweepInterval, s.logger)
	if cfg.RedisURL != "" {
		client, err := lease.Connect(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.redis = client
		s.sweepTimer.WithLocker(lease.NewRedisLocker(client))
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("deadline sweep lease enabled", "backend", "redis")
	}
	s.health.Register(order.SweepLeaseName, health.Running(order.SweepLeaseName, s.sweepTimer.Running))

	s.reconciler = reconciliation.NewRunner(s.store, cfg.ReconcileGrace, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconcileTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = storage.NewMemoryDB()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := storage.Open(ctx, s.cfg.DatabaseURL, 25)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := storage.Migrate(ctx, db, s.logger); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	s.db = db
	s.store = storage.NewPostgresDB(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// GuardKafka puts the Kafka sink behind a circuit breaker. While open,
// publishes fail with circuitbreaker.ErrOpen without reaching the broker.
func GuardKafka(sink events.Sink) *events.Guarded {
	return events.Guard("kafka", sink, circuitbreaker.New(kafkaTripAfter, kafkaCooldown))
}

const (
	kafkaTripAfter = 5
	kafkaCooldown  = 30 * time.Second
)

// OrderConfig maps the environment configuration onto the order service's
// commercial and timing terms.
func OrderConfig(cfg *config.Config) order.Config {
	p := order.DeadlinePolicy{
		RefundVerified:    cfg.RefundWindowVerified,
		RefundUnverified:  cfg.RefundWindowUnverified,
		RefundExtension:   cfg.RefundExtension,
		ConfirmVerified:   cfg.ConfirmWindowVerified,
		ConfirmUnverified: cfg.ConfirmWindowUnverified,
		HolidayExtension:  cfg.HolidayExtension,
	}
	for _, w := range cfg.HolidayWindows {
		p.Holidays = append(p.Holidays, order.Window{Start: w.Start, End: w.End})
	}
	return order.Config{FeeRate: cfg.PlatformFeeRate, Deadlines: p, SweepBatch: cfg.SweepBatch}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for order and wallet events
	s.router.GET("/ws/orders", auth.RequireAuth(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	orderHandler := order.NewHandler(s.orders, s.store, s.logger)
	walletHandler := ledger.NewHandler(s.wallet, s.logger)
	reconcileHandler := reconciliation.NewHandler(s.reconciler, s.reconcileTimer, s.logger)

	v1 := s.router.Group("/v1", auth.RequireAuth())
	v1.GET("/info", s.infoHandler)
	orderHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireAdmin())
	orderHandler.RegisterAdminRoutes(admin)
	walletHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", s.realtimeStatsHandler)
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
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":           Version,
		"platformFeeRate":   s.cfg.PlatformFeeRate.String(),
		"withdrawalFeeRate": s.cfg.WithdrawalFeeRate.String(),
		"minWithdrawal":     s.cfg.MinWithdrawal.StringFixed(2),
		"refundWindow": gin.H{
			"verified":   s.cfg.RefundWindowVerified.String(),
			"unverified": s.cfg.RefundWindowUnverified.String(),
			"extension":  s.cfg.RefundExtension.String(),
		},
		"confirmWindow": gin.H{
			"verified":   s.cfg.ConfirmWindowVerified.String(),
			"unverified": s.cfg.ConfirmWindowUnverified.String(),
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.sweepTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
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

	s.close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// close releases background workers and connections.
func (s *Server) close(ctx context.Context) {
	s.sweepTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
