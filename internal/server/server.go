// Package server wires the wallet session, escrow trades and purchase
// records behind one HTTP server.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/omnidepin/marketplace/internal/config"
	"github.com/omnidepin/marketplace/internal/escrow"
	"github.com/omnidepin/marketplace/internal/health"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
	"github.com/omnidepin/marketplace/internal/purchases"
	"github.com/omnidepin/marketplace/internal/ratelimit"
	"github.com/omnidepin/marketplace/internal/retry"
	"github.com/omnidepin/marketplace/internal/security"
	"github.com/omnidepin/marketplace/internal/validation"
	"github.com/omnidepin/marketplace/internal/walletsession"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	session     *walletsession.Session
	walletRPC   *rpc.Client // nil unless WALLET_RPC_URL is set
	escrow      *escrow.Service
	purchases   *purchases.Service
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

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

// WithSession uses an existing wallet session (for testing)
func WithSession(session *walletsession.Session) Option {
	return func(s *Server) {
		s.session = session
	}
}

// WithVersion sets the version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Purchase storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store purchases.Store
	if cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		store = purchases.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = purchases.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.purchases = purchases.NewService(store, s.logger)

	// Wallet session
	if s.session == nil {
		s.session = walletsession.NewSession(s.logger)
	}
	s.health.RegisterOptional("wallet", health.Wallet(s.session))

	if cfg.WalletRPCURL != "" {
		client, err := s.attachWalletRPC(ctx)
		if err != nil {
			// The browser bridge can still attach a wallet later.
			s.logger.Warn("wallet rpc unavailable, waiting for a browser wallet", "error", err)
		} else {
			s.walletRPC = client
		}
	}

	// Escrow trades
	escrowSvc, err := escrow.NewService(s.session, escrow.Config{
		ContractAddress: common.HexToAddress(cfg.EscrowContract),
		ChainID:         big.NewInt(cfg.TargetChainID),
		ProviderTimeout: cfg.ProviderTimeout,
		SettleDelay:     cfg.NetworkSettleDelay,
		PollInterval:    cfg.ReceiptPollInterval,
	}, escrow.WithLogger(s.logger))
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to create escrow service: %w", err)
	}
	s.escrow = escrowSvc
	s.logger.Info("escrow target configured",
		"network", cfg.TargetNetwork,
		"chain_id", cfg.TargetChainID,
		"contract", escrowSvc.ContractAddress().Hex(),
	)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.StartupPolicy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("database not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := retry.Do(ctx, policy, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) attachWalletRPC(ctx context.Context) (*rpc.Client, error) {
	var client *rpc.Client
	policy := retry.StartupPolicy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("wallet rpc dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		c, err := s.session.AttachRPC(ctx, walletsession.EIP155, s.cfg.WalletRPCURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet rpc attached", "url", maskDSN(s.cfg.WalletRPCURL))
	return client, nil
}

// recordSettlement stores a confirmed trade as a purchase.
func (s *Server) recordSettlement(ctx context.Context, st escrow.Settlement) (string, error) {
	p, err := s.purchases.Record(ctx, purchases.RecordRequest{
		ListingID:       st.ListingID,
		BuyerAddress:    st.BuyerAddress,
		SellerAddress:   st.SellerAddress,
		PriceInEth:      st.PriceInEth,
		TransactionHash: st.TransactionHash,
		TradeID:         st.TradeID,
		Listing:         st.Listing,
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// maskDSN hides the password in a connection string or RPC URL for logging
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// writeLimit rate limits POSTs; reads pass through.
func (s *Server) writeLimit() gin.HandlerFunc {
	limit := s.rateLimiter.Middleware()
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		limit(c)
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

	v1 := s.router.Group("/v1", s.writeLimit())

	walletsession.NewHandler(s.session, s.logger, s.cfg.AllowedOrigins).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow, s.recordSettlement).RegisterRoutes(v1)
	purchases.NewHandler(s.purchases).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
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
	if ok, _ := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx ends, or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: POST /v1/trades stays open until the receipt is
		// mined and the bridge websocket is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain_id", s.cfg.TargetChainID,
			"wallet_attached", s.session.Connected(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.closeResources()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	// Closing the session first ends bridge sockets and unblocks provider waits.
	s.session.Close()

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.walletRPC != nil {
		s.session.Detach(walletsession.EIP155, s.walletRPC)
		s.walletRPC.Close()
		s.walletRPC = nil
		s.logger.Info("wallet rpc closed")
	}

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

// Session returns the process-wide wallet session
func (s *Server) Session() *walletsession.Session {
	return s.session
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
