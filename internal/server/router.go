package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/providers"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const accountIDContextKey = "participa_account_id"

var (
	errMissingAccountService = errors.New("account service dependency required")
	errMissingSessionReader  = errors.New("session reader dependency required")
	errMissingProviders      = errors.New("provider registry dependency required")
)

// AccountService is the account surface served over HTTP.
type AccountService interface {
	Register(ctx context.Context, request users.RegistrationRequest) (users.RegistrationResult, error)
	SignIn(ctx context.Context, email, password string) (users.SignInResult, error)
	ProviderCallback(ctx context.Context, claims users.ProfileClaims) (users.CallbackResult, error)
	PendingSignup(ctx context.Context, ref string) (users.PendingSignupView, error)
	CompleteSignup(ctx context.Context, ref string, entry users.SignupEntry, submission users.SignupSubmission) (users.CompletionResult, error)
	ConfirmEmail(ctx context.Context, rawToken string) (users.ConfirmationResult, error)
	ResendConfirmation(ctx context.Context, email string)
	RequestPasswordReset(ctx context.Context, email string)
	ResetPassword(ctx context.Context, request users.PasswordResetRequest) (users.Account, error)
	SignOut(ctx context.Context, token string) (auth.SignOutOutcome, error)
	CurrentAccount(ctx context.Context, accountID string) (users.Account, error)
}

// SessionReader extracts and validates the session carried by a request.
type SessionReader interface {
	CookieName() string
	RequestToken(r *http.Request) string
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// MetricsRecorder observes request latency and exposes the metrics endpoint.
type MetricsRecorder interface {
	ObserveRequest(route, method string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type Dependencies struct {
	Accounts          AccountService
	Sessions          SessionReader
	Providers         *providers.Registry
	Metrics           MetricsRecorder
	Events            *EventDispatcher
	AllowedOrigins    []string
	SecureCookies     bool
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionReader
	}
	if deps.Providers == nil {
		return nil, errMissingProviders
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(requestMetrics(deps.Metrics))
	}
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		accounts:      deps.Accounts,
		sessions:      deps.Sessions,
		providers:     deps.Providers,
		events:        events,
		secureCookies: deps.SecureCookies,
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
	}

	authGroup := router.Group("/auth")
	authGroup.POST("/register", handler.handleRegister)
	authGroup.POST("/sign_in", handler.handleSignIn)
	authGroup.GET("/finish_signup", handler.handlePendingSignup)
	authGroup.GET("/finish_signup/stream", handler.handleSignupStream)
	authGroup.POST("/finish_signup", handler.handleCompleteSignup(users.SignupEntryFinish))
	authGroup.POST("/do_finish_signup", handler.handleCompleteSignup(users.SignupEntryResolveCollision))
	authGroup.GET("/confirmation", handler.handleConfirmEmail)
	authGroup.POST("/confirmation", handler.handleResendConfirmation)
	authGroup.POST("/password", handler.handleRequestPasswordReset)
	authGroup.PUT("/password", handler.handleResetPassword)
	authGroup.DELETE("/sign_out", handler.handleSignOut)
	authGroup.GET("/:provider", handler.handleProviderBegin)
	authGroup.GET("/:provider/callback", handler.handleProviderCallback)
	authGroup.POST("/:provider/callback", handler.handleProviderCallback)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/account", handler.handleCurrentAccount)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

type httpHandler struct {
	accounts      AccountService
	sessions      SessionReader
	providers     *providers.Registry
	events        *EventDispatcher
	secureCookies bool
	heartbeat     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
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

func requestMetrics(recorder MetricsRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// authorizeRequest admits requests carrying a valid session cookie or bearer token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountIDContextKey, session.AccountID)
	c.Next()
}

// writeError maps the account error taxonomy to HTTP responses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var validationErr *users.ValidationError
	var conflictErr *users.ConflictError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "field": validationErr.Field, "message": validationErr.Message})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "field": string(conflictErr.Field)})
	case errors.Is(err, users.ErrInvalidProviderResponse), errors.Is(err, providers.ErrProviderFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": "registration_failed"})
	case errors.Is(err, users.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
	case errors.Is(err, users.ErrExpiredToken):
		c.JSON(http.StatusGone, gin.H{"error": "expired_token"})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, users.ErrEmailNotConfirmed):
		c.JSON(http.StatusForbidden, gin.H{"error": "email_not_confirmed"})
	case errors.Is(err, users.ErrSignupComplete):
		c.JSON(http.StatusConflict, gin.H{"error": "signup_complete"})
	case errors.Is(err, users.ErrSignupStateMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "signup_state_mismatch"})
	case errors.Is(err, providers.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
	default:
		fields := []zap.Field{zap.String("route", c.FullPath()), zap.Error(err)}
		var serviceErr *users.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error("request failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
