// Package httpapi serves the dashboard-facing credits API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/aichat"
	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/distribution"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// ErrInvalidDependencies reports a server built without its collaborators.
var ErrInvalidDependencies = errors.New("invalid http dependencies")

// Dependencies are the services behind the HTTP handlers. Chat is optional.
type Dependencies struct {
	Ledger      *credits.Service
	Billing     *billing.Service
	Distributor *distribution.Distributor
	Chat        *aichat.Service
	Logger      *zap.Logger
}

// Server owns the gin engine and its http.Server.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates the session settings and builds the router.
func NewServer(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Ledger == nil || deps.Billing == nil || deps.Distributor == nil {
		return nil, fmt.Errorf("%w: ledger, billing and distributor are required", ErrInvalidDependencies)
	}
	if err := cfg.RequireSession(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:         deps.Logger,
		ledger:         deps.Ledger,
		billing:        deps.Billing,
		distributor:    deps.Distributor,
		chat:           deps.Chat,
		requestTimeout: cfg.RequestTimeout,
		webhookSecret:  cfg.StripeWebhookSecret,
	}
	return &Server{
		cfg:    cfg,
		logger: deps.Logger,
		router: setupRouter(cfg, handler, validator),
	}, nil
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.HTTPListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.HTTPListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg config.Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(handler.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.StripeWebhookSecret != "" {
		router.POST("/webhooks/stripe", handler.handleStripeWebhook)
	}

	if cfg.CronEnabled() {
		cron := router.Group("/api/cron")
		cron.Use(gin.BasicAuth(gin.Accounts{cfg.CronUsername: cfg.CronPassword}))
		cron.GET("/distribute-credits", handler.handleDistributeCredits)
		cron.POST("/distribute-credits", handler.handleDistributeCredits)
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/credits/balance", handler.handleBalance)
	api.GET("/credits/transactions", handler.handleTransactions)
	api.POST("/credits/consume", handler.handleConsume)
	api.POST("/credits/bootstrap", handler.handleBootstrap)
	api.GET("/access", handler.handleAccess)
	if handler.chat != nil {
		api.POST("/ai/chat", handler.handleChat)
	}

	return router
}

// requestLogger writes one structured line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
