// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/pressly/goose/v3"

	"github.com/mbd888/p2ptrade/internal/activity"
	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/config"
	"github.com/mbd888/p2ptrade/internal/health"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/internal/metrics"
	"github.com/mbd888/p2ptrade/internal/offer"
	"github.com/mbd888/p2ptrade/internal/profile"
	"github.com/mbd888/p2ptrade/internal/ratelimit"
	"github.com/mbd888/p2ptrade/internal/realtime"
	"github.com/mbd888/p2ptrade/internal/reconciliation"
	"github.com/mbd888/p2ptrade/internal/security"
	"github.com/mbd888/p2ptrade/internal/traces"
	"github.com/mbd888/p2ptrade/internal/trade"
	"github.com/mbd888/p2ptrade/internal/validation"
	"github.com/mbd888/p2ptrade/internal/webhooks"
	"github.com/mbd888/p2ptrade/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	ledger      *ledger.Manager
	offers      *offer.Service
	profiles    *profile.Service
	activity    *activity.Log
	trades      *trade.Service
	sweeper     *trade.Sweeper
	reconciler  *reconciliation.Timer
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Notifier
	hooks       *webhooks.Manager
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracer func(context.Context) error
	cancelRunCtx   context.CancelFunc

	// Health state
	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB injects an already opened database, skipping DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	oracle, err := offer.ParseStaticPrices(cfg.MarketPrices)
	if err != nil {
		return nil, fmt.Errorf("invalid MARKET_PRICES: %w", err)
	}

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))
	}

	var (
		ledgerStore   ledger.Store
		offerStore    offer.Store
		tradeStore    trade.Store
		activityStore activity.Store
		profileStore  profile.Store
		webhookStore  webhooks.Store
	)
	if s.db != nil {
		if err := migrate(context.Background(), s.db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		ledgerStore = ledger.NewPostgresStore(s.db)
		offerStore = offer.NewPostgresStore(s.db)
		tradeStore = trade.NewPostgresStore(s.db)
		activityStore = activity.NewPostgresStore(s.db)
		profileStore = profile.NewPostgresStore(s.db)
		webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
		ledgerStore = ledger.NewMemoryStore()
		offerStore = offer.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		activityStore = activity.NewMemoryStore()
		profileStore = profile.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	s.ledger = ledger.NewManager(ledgerStore).WithLogger(s.logger)
	s.offers = offer.NewService(offerStore, oracle).
		WithReviewRequired(cfg.OfferReviewRequired).
		WithLogger(s.logger)
	s.activity = activity.NewLog(activityStore)
	s.profiles = profile.NewService(profileStore).WithLogger(s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.hooks = webhooks.NewManager(webhookStore)
	s.webhooks = webhooks.NewNotifier(
		webhooks.NewDispatcher(webhookStore).WithLogger(s.logger),
		webhookStore, s.logger)

	s.trades = trade.NewService(tradeStore, s.ledger, s.offers).
		WithRequirements(s.profiles).
		WithActivity(s.activity).
		WithNotifier(trade.Notifiers{s.realtimeHub, s.webhooks}).
		WithPolicy(trade.Policy{
			PaymentGrace:         cfg.PaymentGrace,
			PaymentTimeoutAction: cfg.PaymentTimeoutAction,
			PendingEscrowTTL:     cfg.PendingEscrowTTL,
		})
	// Completed and failed counts come from the trades themselves.
	s.profiles.WithStats(s.trades)

	s.sweeper = trade.NewSweeper(s.trades, tradeStore, s.logger).
		WithInterval(cfg.SweepInterval).
		WithTradeTimeout(cfg.SweepTradeTimeout).
		WithBatch(cfg.SweepBatchSize, cfg.SweepConcurrency).
		WithOfferExpiry(s.offers.ExpireDue)

	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(tradeStore, s.ledger),
		cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}
	s.health.Register("sweeper", health.Running("sweeper", s.sweeper.Running))
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconciler.Running))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.healthy.Store(true)
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(auth.Middleware())

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.Rate = float64(s.cfg.RateLimitRPS)
		rlCfg.Burst = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware tags every request with an ID and a request-scoped logger.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Probes are noisy
		if path == "/health/live" || path == "/health/ready" || path == "/metrics" {
			return
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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
	s.router.GET("/", s.infoHandler)

	offerHandler := offer.NewHandler(s.offers)
	tradeHandler := trade.NewHandler(s.trades)
	ledgerHandler := ledger.NewHandler(s.ledger)
	profileHandler := profile.NewHandler(s.profiles)
	activityHandler := activity.NewHandler(s.activity)

	v1 := s.router.Group("/v1")
	offerHandler.RegisterPublicRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	offerHandler.RegisterRoutes(protected)
	tradeHandler.RegisterRoutes(protected)
	ledgerHandler.RegisterRoutes(protected)
	profileHandler.RegisterRoutes(protected)
	s.realtimeHub.RegisterRoutes(protected)
	webhooks.NewHandler(s.hooks).RegisterRoutes(protected)

	admin := s.router.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	offerHandler.RegisterAdminRoutes(admin)
	tradeHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	profileHandler.RegisterAdminRoutes(admin)
	activityHandler.RegisterAdminRoutes(admin)
	admin.GET("/sweeper", s.sweeperStatusHandler)
	admin.POST("/sweeper/run", s.sweepNowHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
	admin.GET("/reconciliation", s.reconciliationHandler)
	admin.POST("/reconciliation/run", s.reconcileNowHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
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
		"name":        "p2ptrade",
		"description": "Escrow-backed peer-to-peer trading",
		"version":     "0.1.0",
		"idPrefixes": gin.H{
			"offer": idgen.PrefixOffer,
			"trade": idgen.PrefixTrade,
			"hold":  idgen.PrefixHold,
		},
	})
}

func (s *Server) sweeperStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":              s.sweeper.Running(),
		"interval":             s.cfg.SweepInterval.String(),
		"paymentTimeoutAction": s.cfg.PaymentTimeoutAction,
	})
}

// sweepNowHandler runs one sweep pass synchronously.
func (s *Server) sweepNowHandler(c *gin.Context) {
	result, err := s.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	stats := s.realtimeHub.Stats()
	stats["webhookQueue"] = s.webhooks.Pending()
	c.JSON(http.StatusOK, stats)
}

// reconciliationHandler returns the last escrow reconciliation report.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report := s.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) reconcileNowHandler(c *gin.Context) {
	report, err := s.reconciler.RunNow(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTracer, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTracer = shutdownTracer
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.webhooks.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconciler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.reconciler.Stop()
	s.logger.Info("sweeper and reconciler stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
