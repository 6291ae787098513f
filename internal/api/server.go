package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/lifecycle"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/metrics"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/internal/store"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	gate        *quota.Gate
	hooks       *lifecycle.Hooks
	store       store.Store
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	tlsConfig   config.TLSConfig
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, gate *quota.Gate, hooks *lifecycle.Hooks, s store.Store, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if m == nil {
		m = metrics.NewMetrics("quotagate")
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	// Initialize rate limiter from config with sane defaults
	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1000
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 100
	}
	rateLimiter := newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		gate:        gate,
		hooks:       hooks,
		store:       s,
		metrics:     m,
		logger:      logger,
		rateLimiter: rateLimiter,
		tlsConfig:   cfg.TLS,
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(rateLimiter, m))
	// 1MB is far above any request this API accepts.
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		c.Header("X-Correlation-ID", correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithTenantID(ctx, c.Param("id"))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	var keys []string
	if s.apiConfig.Auth.Enabled {
		keys = s.apiConfig.Auth.APIKeys
	}
	authMiddleware := APIKeyAuth(keys, s.apiConfig.Auth.HeaderName, s.logger)

	tenants := s.router.Group("/v1/tenants")
	tenants.Use(authMiddleware)
	{
		tenants.POST("", s.handleProvision)
		tenants.GET("/:id", s.handleGetTenant)
		tenants.GET("/:id/usage", s.handleUsage)
		tenants.PUT("/:id/tier", s.handleTierChange)
		tenants.GET("/:id/downgrade", s.handleDowngradeCheck)
		tenants.POST("/:id/reservations", s.handleReserve)
		tenants.POST("/:id/releases", s.handleRelease)
		tenants.POST("/:id/compensations", s.handleCompensate)
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Address()

	if s.httpServer == nil {
		if s.tlsConfig.Enabled {
			srv, err := NewHTTPSServerWithConfig(addr, s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.MinVersion, s.router)
			if err != nil {
				return &errors.ErrServerStart{Addr: addr, Err: err}
			}
			s.httpServer = srv
		} else {
			s.httpServer = NewHTTPServer(addr, s.router)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if s.tlsConfig.Enabled {
			s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", s.tlsConfig.CertFile, "min_version", s.tlsConfig.MinVersion)
			errCh <- s.httpServer.ListenAndServeTLS("", "")
			return
		}
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &errors.ErrServerStart{Addr: addr, Err: err}
	case <-ctx.Done():
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.logger.Info("shutting down HTTP server")
		if err := GracefulShutdown(s.httpServer, timeout); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			return &errors.ErrServerShutdown{Err: err}
		}
		s.logger.Info("graceful shutdown completed")
		return nil
	}
}

// handleHealth reports whether the tenant store answers.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC(),
			"store":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"store":     "ok",
	})
}

// ProvisionRequest creates a tenant account.
type ProvisionRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Tier     string `json:"tier,omitempty"`
}

func (s *Server) handleProvision(c *gin.Context) {
	var req ProvisionRequest
	if !bindJSON(c, &req) {
		return
	}

	var tier models.Tier
	if req.Tier != "" {
		t, err := models.ParseTier(req.Tier)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tier = t
	}

	acct, created, err := s.gate.Provision(c.Request.Context(), req.TenantID, tier)
	if err != nil {
		s.writeError(c, "provision", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, acct)
}

func (s *Server) handleGetTenant(c *gin.Context) {
	acct, err := s.gate.Tenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "get_tenant", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleUsage(c *gin.Context) {
	report, err := s.gate.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "usage", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// TierChangeRequest sets a tenant's tier.
type TierChangeRequest struct {
	Tier string `json:"tier" binding:"required"`
}

func (s *Server) handleTierChange(c *gin.Context) {
	var req TierChangeRequest
	if !bindJSON(c, &req) {
		return
	}
	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := models.TierChangeEvent{TenantID: c.Param("id"), NewTier: tier}
	if err := s.gate.ApplyTierChange(c.Request.Context(), ev); err != nil {
		s.writeError(c, "tier_change", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "tenant_id": ev.TenantID, "tier": ev.NewTier})
}

func (s *Server) handleDowngradeCheck(c *gin.Context) {
	tier, err := models.ParseTier(c.Query("tier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	check, err := s.gate.CanDowngrade(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		s.writeError(c, "downgrade_check", err)
		return
	}
	status := http.StatusOK
	if !check.Allowed {
		status = http.StatusConflict
	}
	c.JSON(status, check)
}

// ResourceRequest names the resource type of a reservation or release.
type ResourceRequest struct {
	ResourceType string `json:"resource_type" binding:"required"`
}

// ReleaseRequest reports a deleted resource. CreatedAt is optional.
type ReleaseRequest struct {
	ResourceType string    `json:"resource_type" binding:"required"`
	CreatedAt    time.Time `json:"created_at"`
}

// CompensationRequest gives back a reservation whose resource was never
// persisted, or whose persistence could not be confirmed.
type CompensationRequest struct {
	ResourceType string `json:"resource_type" binding:"required"`
	Reason       string `json:"reason"`
}

func (s *Server) bindResource(c *gin.Context) (models.ResourceType, bool) {
	var req ResourceRequest
	if !bindJSON(c, &req) {
		return "", false
	}
	return parseResource(c, req.ResourceType)
}

func parseResource(c *gin.Context, name string) (models.ResourceType, bool) {
	res, err := models.ParseResourceType(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return res, true
}

// handleReserve runs the admission check. The decision is always in the body;
// the status tells allowed (200) from denied (403) from failed.
func (s *Server) handleReserve(c *gin.Context) {
	res, ok := s.bindResource(c)
	if !ok {
		return
	}

	decision, err := s.gate.CheckAndReserve(c.Request.Context(), c.Param("id"), res)
	if err != nil {
		status := statusFor(err)
		s.metrics.RecordError(errorKind(err), "/v1/tenants/:id/reservations", http.MethodPost)
		c.JSON(status, gin.H{"decision": decision, "error": err.Error(), "outcome_unknown": errors.IsAmbiguous(err)})
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusForbidden, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleRelease(c *gin.Context) {
	var body ReleaseRequest
	if !bindJSON(c, &body) {
		return
	}
	res, ok := parseResource(c, body.ResourceType)
	if !ok {
		return
	}

	ev := models.ResourceDeletionEvent{TenantID: c.Param("id"), ResourceType: res, CreatedAt: body.CreatedAt}
	current, err := s.hooks.OnResourceDeleted(c.Request.Context(), ev)
	if err != nil {
		s.writeError(c, "release", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": ev.TenantID, "resource_type": res, "current": current})
}

// handleCompensate releases a reservation after a failed or unconfirmed
// resource write. Unlike a release it is retried with backoff, and exhausted
// retries are reported as counter drift.
func (s *Server) handleCompensate(c *gin.Context) {
	var body CompensationRequest
	if !bindJSON(c, &body) {
		return
	}
	res, ok := parseResource(c, body.ResourceType)
	if !ok {
		return
	}

	cause := body.Reason
	if cause == "" {
		cause = "resource write not confirmed"
	}
	req := models.ResourceCreationRequest{TenantID: c.Param("id"), ResourceType: res}
	if err := s.hooks.OnResourceCreated(c.Request.Context(), req, stderrors.New(cause)); err != nil {
		s.writeError(c, "compensate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": req.TenantID, "resource_type": res, "compensated": true})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		status := http.StatusBadRequest
		if isBodyTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(c.Request.Context(), "request failed", "operation", op, "error", err.Error())
	}
	s.metrics.RecordError(errorKind(err), c.FullPath(), c.Request.Method)
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps typed errors onto HTTP statuses.
func statusFor(err error) int {
	var invalid *errors.ErrInvalidArgument
	switch {
	case errors.IsTenantNotFound(err):
		return http.StatusNotFound
	case stderrors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.IsStorageUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.IsConfiguration(err):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func errorKind(err error) string {
	var invalid *errors.ErrInvalidArgument
	switch {
	case errors.IsTenantNotFound(err):
		return "tenant_not_found"
	case stderrors.As(err, &invalid):
		return "invalid_argument"
	case errors.IsStorageUnavailable(err):
		return "storage_unavailable"
	case errors.IsConfiguration(err):
		return "configuration"
	}
	return "internal"
}
