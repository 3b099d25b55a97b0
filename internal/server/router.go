package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/orders"
	"github.com/cybershield/portal/internal/otp"
	"github.com/cybershield/portal/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "cybershield_principal"

const (
	messageUnauthorized      = "Unauthorized"
	messageForbidden         = "Forbidden - Admin access required"
	messagePhoneRequired     = "Phone number is required"
	messageInvalidPhone      = "Invalid phone number format"
	messageInvalidCodeLength = "OTP code must be 6 characters"
	messageInvalidCode       = "Invalid or expired OTP code"
	messagePhoneVerified     = "Phone verified successfully"
	messageUserNotFound      = "User not found"
	messageInvalidOrderID    = "Invalid order ID"
	messageInvalidStatus     = "Status must be one of: Pending, In Progress, Completed"
	messageOrderNotFound     = "Order not found"
	messageInternalError     = "Internal server error"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingOTPEngine      = errors.New("otp engine dependency required")
	errMissingUserDirectory  = errors.New("user directory dependency required")
	errMissingOrderUpdater   = errors.New("order status updater dependency required")
	errMissingRealtime       = errors.New("realtime handler dependency required")

	phonePattern = regexp.MustCompile(`^\+?[0-9\s\-()]+$`)
)

// OTPEngine issues codes and redeems them. Redeem runs apply only for a matching code and keeps
// the code when apply fails.
type OTPEngine interface {
	RequestCode(ctx context.Context, userID int64, phone string) (otp.Issue, error)
	Redeem(ctx context.Context, userID int64, phone, submitted string, apply func(context.Context) error) (bool, error)
}

type UserDirectory interface {
	MarkVerified(ctx context.Context, userID int64, phone string) error
}

type OrderStatusUpdater interface {
	UpdateStatus(ctx context.Context, orderID int64, status orders.Status) (orders.Order, error)
}

// Dependencies wires the HTTP surface. Metrics may be nil to omit /metrics.
type Dependencies struct {
	Tokens         auth.TokenValidator
	OTP            OTPEngine
	Users          UserDirectory
	Orders         OrderStatusUpdater
	Realtime       http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.OTP == nil {
		return nil, errMissingOTPEngine
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Orders == nil {
		return nil, errMissingOrderUpdater
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens: deps.Tokens,
		otp:    deps.OTP,
		users:  deps.Users,
		orders: deps.Orders,
		logger: logger,
	}

	router.GET("/healthz", handleHealth)
	router.GET("/ws", gin.WrapH(deps.Realtime))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/request-otp", handler.handleRequestOTP)
	api.POST("/verify-otp", handler.handleVerifyOTP)

	admin := api.Group("/admin")
	admin.Use(requireAdmin)
	admin.PATCH("/orders/:id/status", handler.handleUpdateOrderStatus)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens auth.TokenValidator
	otp    OTPEngine
	users  UserDirectory
	orders OrderStatusUpdater
	logger *zap.Logger
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type requestOTPPayload struct {
	Phone string `json:"phone"`
}

type requestOTPResponse struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *httpHandler) handleRequestOTP(c *gin.Context) {
	principal := principalFromContext(c)

	var request requestOTPPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": messagePhoneRequired})
		return
	}

	issue, err := h.otp.RequestCode(c.Request.Context(), principal.UserID, request.Phone)
	if err != nil {
		h.logger.Error("failed to issue otp code", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": messageInternalError})
		return
	}

	c.JSON(http.StatusOK, requestOTPResponse{
		Message:   issue.Message,
		Code:      issue.Code,
		ExpiresAt: issue.ExpiresAt,
	})
}

type verifyOTPPayload struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (h *httpHandler) handleVerifyOTP(c *gin.Context) {
	principal := principalFromContext(c)

	var request verifyOTPPayload
	if err := c.ShouldBindJSON(&request); err != nil || !phonePattern.MatchString(request.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidPhone})
		return
	}
	if len(request.Code) != 6 {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidCodeLength})
		return
	}

	valid, err := h.otp.Redeem(c.Request.Context(), principal.UserID, request.Phone, request.Code, func(ctx context.Context) error {
		return h.users.MarkVerified(ctx, principal.UserID, strings.TrimSpace(request.Phone))
	})
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": messageUserNotFound})
		return
	case err != nil:
		h.logger.Error("failed to verify otp code", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": messageInternalError})
		return
	case !valid:
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidCode})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": messagePhoneVerified, "verified": true})
}

type updateOrderStatusPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleUpdateOrderStatus(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidOrderID})
		return
	}

	var request updateOrderStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidStatus})
		return
	}
	status, ok := orders.ParseStatus(request.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidStatus})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), orderID, status)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": messageOrderNotFound})
	case errors.Is(err, orders.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidStatus})
	case err != nil:
		h.logger.Error("failed to update order status", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": messageInternalError})
	default:
		c.JSON(http.StatusOK, order)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := auth.ValidateRequest(h.tokens, c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageUnauthorized})
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageUnauthorized})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func requireAdmin(c *gin.Context) {
	if !principalFromContext(c).IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": messageForbidden})
		return
	}
	c.Next()
}

func principalFromContext(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}
