package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/events"
	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/logging"
	"trading-gateway-core/internal/order"
	"trading-gateway-core/internal/orders"
	"trading-gateway-core/internal/reconcile"
	"trading-gateway-core/internal/risk"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// OrderService is the order surface the API exposes. *order.Manager satisfies it.
type OrderService interface {
	GetOpenOrders(ctx context.Context, filter orders.Filter) (*order.OpenOrders, error)
	GetBrackets(ctx context.Context) (*order.Brackets, error)
	Submit(ctx context.Context, o *orders.Order, referencePrice float64) (*orders.Order, error)
	SubmitBracket(ctx context.Context, main, target, stop *orders.Order, referencePrice float64) (*orders.Bracket, error)
	SubmitTrailingStop(ctx context.Context, req broker.TrailingStopRequest, referencePrice float64) (*orders.Order, error)
	Cancel(ctx context.Context, orderID int64) (*orders.Order, error)
	Modify(ctx context.Context, orderID int64, req broker.ModifyRequest) (*orders.Order, error)
	EvaluateRisk(ctx context.Context, trade risk.Trade) (risk.Result, error)
	RiskPolicy() risk.Config
	Health(ctx context.Context) order.Health
}

// Reconciliation exposes the reconciliation poller. *reconcile.Poller satisfies it.
type Reconciliation interface {
	Status() reconcile.Status
	RunOnce(ctx context.Context) (*reconcile.Result, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	orders     OrderService
	reconcile  Reconciliation
	hub        *WSHub
	config     ServerConfig
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer creates a new API server. reconciliation may be nil when the
// poller is disabled; without a bus there is no event stream.
func NewServer(config ServerConfig, orderService OrderService, reconciliation Reconciliation, bus *events.EventBus, logger zerolog.Logger) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		orders:    orderService,
		reconcile: reconciliation,
		config:    config,
		logger:    logger.With().Str("component", "APIServer").Logger(),
		startedAt: time.Now(),
	}

	router.Use(s.requestLogger())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	if bus != nil {
		s.hub = NewWSHub(logger)
		go s.hub.Run()
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()

	return s
}

// ParseOrigins splits a comma-separated origin list
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// requestLogger attaches a trace-scoped logger to every request context and
// logs the request when it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := logging.NewContext(c.Request.Context(), s.logger)
		ctx, log := logging.WithTraceContext(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceIDFromContext(ctx))

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		// Orders
		api.GET("/orders/open", s.handleGetOpenOrders)
		api.GET("/orders/brackets", s.handleGetBrackets)
		api.POST("/orders", s.handlePlaceOrder)
		api.POST("/orders/bracket", s.handlePlaceBracket)
		api.POST("/orders/trailing-stop", s.handlePlaceTrailingStop)
		api.DELETE("/orders/:id", s.handleCancelOrder)
		api.PATCH("/orders/:id", s.handleModifyOrder)

		// Risk
		api.POST("/risk/evaluate", s.handleEvaluateRisk)
		api.GET("/risk/policy", s.handleGetRiskPolicy)

		// Reconciliation
		api.GET("/reconcile/status", s.handleReconcileStatus)
		api.POST("/reconcile/run", s.handleReconcileRun)
	}

	if s.hub != nil {
		s.router.GET("/ws/events", s.handleEventStream)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.hub != nil {
		s.hub.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth reports connection, cache and store health. Degraded still
// serves traffic; unhealthy returns 503.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	health := s.orders.Health(ctx)

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status": health.Status,
		"health": health,
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.reconcile != nil {
		body["reconcile"] = s.reconcile.Status()
	}
	c.JSON(code, body)
}

// writeError maps a service error to an HTTP response
func writeError(c *gin.Context, err error) {
	var vErr *orders.ValidationError
	var rErr *order.RiskRejectedError
	var gwErr *gateway.GatewayError

	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      true,
			"message":    "order validation failed",
			"violations": vErr.Violations,
		})
	case errors.As(err, &rErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      true,
			"message":    "rejected by risk gate",
			"violations": rErr.Result.Warnings,
			"risk":       rErr.Result,
		})
	case errors.Is(err, broker.ErrOrderNotFound), errors.Is(err, orders.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrOrderNotOpen):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrNotConnected),
		errors.Is(err, gateway.ErrPoolExhausted),
		errors.Is(err, gateway.ErrPoolClosed),
		errors.Is(err, gateway.ErrPoolNotInitialized),
		errors.Is(err, gateway.ErrSessionClosed),
		errors.Is(err, context.DeadlineExceeded):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   true,
			"message": gwErr.Message,
			"code":    gwErr.Code,
		})
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
