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
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clearhold/clearhold/internal/accounts"
	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/health"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/ratelimit"
	"github.com/clearhold/clearhold/internal/realtime"
	"github.com/clearhold/clearhold/internal/reconciler"
	"github.com/clearhold/clearhold/internal/security"
	"github.com/clearhold/clearhold/internal/txlog"
	"github.com/clearhold/clearhold/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainGateway is the contract surface the server wires together:
// escrow submissions, the reconciler's event stream, and the public
// network endpoints. Implemented by chain.Gateway; swapped out in tests.
type ChainGateway interface {
	Init(ctx context.Context) error
	Ready() bool
	Address() string
	CreateEscrow(ctx context.Context, seller, arbiter, token string, amt *big.Int) (*chain.CreateResult, error)
	ReleaseFunds(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error)
	RefundBuyer(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error)
	HeadBlock(ctx context.Context) (uint64, error)
	FilterEscrowLogs(ctx context.Context, from, to uint64) ([]*chain.Event, error)
	Network(ctx context.Context) (*chain.NetworkInfo, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	Close() error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	gateway       ChainGateway
	accounts      *accounts.Service
	authMgr       *auth.Manager
	escrowService *escrow.Service
	txLog         *txlog.Log
	hub           *realtime.Hub
	reconciler    *reconciler.Reconciler
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool

	// Set once Start succeeds; Stop on a never-started reconciler
	// would block on its done channel.
	reconcilerOn atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom chain gateway (for testing)
func WithGateway(g ChainGateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		accountStore accounts.Store
		authStore    auth.Store
		escrowStore  escrow.Store
		txStore      txlog.Store
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
		accountStore = accounts.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		txStore = txlog.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		accountStore = accounts.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		txStore = txlog.NewMemoryStore()
		s.logger.Warn("using in-memory storage (records lost on restart)")
	}

	// Chain gateway. The reconciler and every settlement path depend on
	// it, so a bad key or contract address fails construction here.
	if s.gateway == nil {
		gw, err := chain.New(chain.Config{
			RPCURL:          cfg.RPCURL,
			SigningKey:      cfg.SigningKey,
			ContractAddress: cfg.ContractAddress,
			ChainID:         cfg.ChainID,
			ConfirmTimeout:  cfg.ConfirmTimeout,
		}, logging.Component(s.logger, "chain"))
		if err != nil {
			return nil, fmt.Errorf("failed to create chain gateway: %w", err)
		}
		s.gateway = gw
	}

	// Services
	s.accounts = accounts.NewService(accountStore, logging.Component(s.logger, "accounts"))
	s.authMgr = auth.NewManager(authStore)
	s.txLog = txlog.New(txStore, logging.Component(s.logger, "txlog"))
	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	s.escrowService = escrow.NewService(
		escrowStore,
		s.gateway,
		s.accounts,
		s.txLog,
		logging.Component(s.logger, "escrow"),
	).WithNotifier(s.hub)

	s.reconciler = reconciler.New(reconciler.Config{
		PollInterval: cfg.PollInterval,
	}, s.gateway, s.escrowService, logging.Component(s.logger, "reconciler"))

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if !s.gateway.Ready() {
			return health.Status{Healthy: false, Detail: "gateway not initialized"}
		}
		if _, err := s.gateway.HeadBlock(ctx); err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	// Set gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
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

	// WebSocket for real-time escrow updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	accountHandler := accounts.NewHandler(s.accounts)
	accountHandler.SetKeyIssuer(s.authMgr)
	accountHandler.RegisterRoutes(v1)

	v1.GET("/network", s.networkHandler)
	v1.GET("/contract/balance", s.contractBalanceHandler)

	// PROTECTED ROUTES (require API key)
	escrowHandler := escrow.NewHandler(s.escrowService)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// networkHandler returns the chain the service is bound to
func (s *Server) networkHandler(c *gin.Context) {
	info, err := s.gateway.Network(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get network info", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "blockchain_error",
			"message": "Failed to query network",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"network":         info,
		"contract":        s.cfg.ContractAddress,
		"platformAddress": s.gateway.Address(),
	})
}

// contractBalanceHandler returns the total value held by the escrow contract
func (s *Server) contractBalanceHandler(c *gin.Context) {
	balance, err := s.gateway.ContractBalance(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get contract balance", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "blockchain_error",
			"message": "Failed to query contract balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract": s.cfg.ContractAddress,
		"balance":  balance.String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// The gateway must be bound before any request is served. No chain,
	// no service.
	initCtx, initCancel := context.WithTimeout(runCtx, 30*time.Second)
	err := s.gateway.Init(initCtx)
	initCancel()
	if err != nil {
		cancel()
		return fmt.Errorf("chain gateway init: %w", err)
	}
	s.logger.Info("chain gateway ready",
		"contract", s.cfg.ContractAddress,
		"platform", s.gateway.Address(),
	)

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start reconciler
	if err := s.reconciler.Start(runCtx); err != nil {
		s.logger.Error("failed to start reconciler", "error", err)
	} else {
		s.reconcilerOn.Store(true)
	}

	// Periodic DB pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the reconciler before the gateway goes away
	if s.reconcilerOn.CompareAndSwap(true, false) {
		s.reconciler.Stop()
		s.logger.Info("reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain connection
	if err := s.gateway.Close(); err != nil {
		s.logger.Error("gateway close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
