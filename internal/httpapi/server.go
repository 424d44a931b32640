// Package httpapi exposes the booking ledger, Sambaza groups and provider reputation over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/internal/config"
	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	roleAdmin        = "admin"
	shutdownTimeout  = 5 * time.Second
	mpesaCallbackURL = "/callbacks/mpesa"
)

var errMissingService = errors.New("httpapi: booking, sambaza and reputation services are required")

// Services bundles the engines served by the API.
type Services struct {
	Bookings   *booking.Service
	Groups     *sambaza.Service
	Reputation *reputation.Service
}

func (services Services) validate() error {
	if services.Bookings == nil || services.Groups == nil || services.Reputation == nil {
		return errMissingService
	}
	return nil
}

// Run serves the API on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, services Services, logger *zap.Logger) error {
	if err := services.validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHandler(cfg, services, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
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
	router.POST(mpesaCallbackURL, handler.handleMpesaCallback)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/bookings", handler.handleCreateBooking)
	api.POST("/quotes", handler.handleCreateQuote)
	api.GET("/bookings/:bookingID", handler.handleGetBooking)
	api.POST("/bookings/:bookingID/accept", handler.handleAcceptQuote)
	api.GET("/bookings/:bookingID/payments", handler.handleListPayments)
	api.POST("/bookings/:bookingID/payments", handler.handleRecordPayment)
	api.POST("/bookings/:bookingID/payment-intents", handler.handleInitiatePayment)
	api.POST("/bookings/:bookingID/start", handler.handleStartExecution)
	api.POST("/bookings/:bookingID/complete", handler.handleCompleteExecution)
	api.POST("/bookings/:bookingID/cancel", handler.handleCancel)
	api.POST("/bookings/:bookingID/disputes", handler.handleOpenDispute)
	api.POST("/bookings/:bookingID/disputes/resolve", handler.handleResolveDispute)
	api.POST("/bookings/:bookingID/reviews", handler.handleSubmitReview)

	api.POST("/sambaza", handler.handleCreateGroup)
	api.GET("/sambaza", handler.handleListGroups)
	api.GET("/sambaza/:groupID", handler.handleGetGroup)
	api.GET("/sambaza/:groupID/quote", handler.handleQuoteGroup)
	api.POST("/sambaza/:groupID/join", handler.handleJoinGroup)
	api.POST("/sambaza/:groupID/close", handler.handleCloseGroup)

	api.GET("/providers/:providerID", handler.handleGetProvider)
	api.GET("/providers/:providerID/reviews", handler.handleListReviews)
	api.POST("/providers/:providerID/response-score", handler.handleUpdateResponseScore)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	services  Services
	validator *validator.Validate
	cfg       config.Config
}

func newHandler(cfg config.Config, services Services, logger *zap.Logger) *httpHandler {
	return &httpHandler{
		logger:    logger,
		services:  services,
		validator: validator.New(),
		cfg:       cfg,
	}
}

// bindJSON decodes the body into request and runs its validate tags.
func (handler *httpHandler) bindJSON(ctx *gin.Context, request any) bool {
	if err := ctx.ShouldBindJSON(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	if err := handler.validator.Struct(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return false
	}
	return true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// parseMoney reads a decimal amount in the deployment currency.
func (handler *httpHandler) parseMoney(ctx *gin.Context, raw string) (ledger.Money, bool) {
	amount, err := ledger.ParseMoney(raw, handler.cfg.Currency)
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.Money{}, false
	}
	return amount, true
}

// respondError maps an engine error to its HTTP status by kind.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	kind := ledger.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case ledger.KindValidation:
		status = http.StatusBadRequest
	case ledger.KindNotFound:
		status = http.StatusNotFound
	case ledger.KindStateConflict:
		status = http.StatusConflict
	case ledger.KindTransientDependency:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
		kind = ledger.KindTransientDependency
	}
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	ctx.JSON(status, errorResponse(kind.String(), err.Error()))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireUser resolves the session user or writes 401.
func requireUser(ctx *gin.Context) (ledger.UserID, *sessionvalidator.Claims, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, nil, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session without user"))
		return ledger.UserID{}, nil, false
	}
	return userID, claims, true
}

func requireAdmin(ctx *gin.Context) (ledger.UserID, bool) {
	userID, claims, ok := requireUser(ctx)
	if !ok {
		return ledger.UserID{}, false
	}
	if !hasRole(claims.GetUserRoles(), roleAdmin) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func hasRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
