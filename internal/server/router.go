package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/media"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "intercom_principal"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDirectory     = errors.New("directory service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates principal tokens.
type TokenManager interface {
	IssuePrincipalToken(ctx context.Context, principal auth.Principal) (string, int64, error)
	ValidateToken(token string) (auth.Principal, error)
}

// SignalingConfig seeds every websocket session.
type SignalingConfig struct {
	MediaTimeout     time.Duration
	DuckDB           float64
	DimWhileSpeaking bool
}

type Dependencies struct {
	// Context bounds every signaling connection; cancelling it closes them all.
	Context      context.Context
	TokenManager TokenManager
	Directory    *directory.Service
	Realtime     *RealtimeDispatcher
	Signaling    SignalingConfig
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	signaling := deps.Signaling
	if signaling.MediaTimeout <= 0 {
		signaling.MediaTimeout = media.DefaultTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		ctx:       baseCtx,
		tokens:    deps.TokenManager,
		directory: deps.Directory,
		realtime:  realtime,
		signaling: signaling,
		labels:    routing.NewLabels(),
		logger:    logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/signup", handler.handleSignup)
	router.GET("/ws", handler.handleSignaling)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me/targets", handler.handleMyTargets)
	protected.PUT("/me/targets/order", handler.handleMyTargetOrder)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest, handler.requireUserPrincipal)
	admin.GET("/users", handler.handleListUsers)
	admin.POST("/users", handler.handleCreateUser)
	admin.PATCH("/users/:id", handler.handleUpdateUser)
	admin.DELETE("/users/:id", handler.handleDeleteUser)
	admin.GET("/users/:id/targets", handler.handleListUserTargets)
	admin.POST("/users/:id/targets", handler.handleAddUserTarget)
	admin.DELETE("/users/:id/targets/:kind/:target", handler.handleRemoveUserTarget)
	admin.PUT("/users/:id/targets/order", handler.handleReplaceUserTargetOrder)
	admin.GET("/conferences", handler.handleListConferences)
	admin.POST("/conferences", handler.handleCreateConference)
	admin.PATCH("/conferences/:id", handler.handleUpdateConference)
	admin.DELETE("/conferences/:id", handler.handleDeleteConference)
	admin.GET("/conferences/:id/members", handler.handleListMembers)
	admin.PUT("/conferences/:id/members/:user", handler.handleAddMember)
	admin.DELETE("/conferences/:id/members/:user", handler.handleRemoveMember)
	admin.GET("/feeds", handler.handleListFeeds)
	admin.POST("/feeds", handler.handleCreateFeed)
	admin.PATCH("/feeds/:id", handler.handleUpdateFeed)
	admin.DELETE("/feeds/:id", handler.handleDeleteFeed)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	ctx       context.Context
	tokens    TokenManager
	directory *directory.Service
	realtime  *RealtimeDispatcher
	signaling SignalingConfig
	labels    *routing.Labels
	logger    *zap.Logger
}

type loginRequestPayload struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Principal   string `json:"principal"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	var (
		principal auth.Principal
		ok        bool
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(request.Kind)) {
	case "", string(routing.KindUser):
		var user directory.User
		user, ok, err = h.directory.VerifyUser(ctx, request.Name, request.Password)
		principal = auth.Principal{Key: userKey(user.ID), Name: user.Name}
	case string(routing.KindFeed):
		var feed directory.Feed
		feed, ok, err = h.directory.VerifyFeed(ctx, request.Name, request.Password)
		principal = auth.Principal{Key: directory.TargetRef{Kind: routing.KindFeed, ID: feed.ID}.Key(), Name: feed.Name}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.issueToken(c, http.StatusOK, principal)
}

type signupRequestPayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.directory.CreateUser(c.Request.Context(), request.Name, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.issueToken(c, http.StatusCreated, auth.Principal{Key: userKey(user.ID), Name: user.Name})
}

func (h *httpHandler) issueToken(c *gin.Context, status int, principal auth.Principal) {
	token, expiresIn, err := h.tokens.IssuePrincipalToken(c.Request.Context(), principal)
	if err != nil {
		h.logger.Error("failed to issue principal token", zap.String("principal", principal.Key.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Principal:   principal.Key.String(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.RequestToken(c.Request)
	if err != nil || c.GetHeader("Authorization") == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func (h *httpHandler) requireUserPrincipal(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok || principal.Key.Kind != routing.KindUser {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func principalFromContext(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok
}

// writeError maps the directory and media taxonomy onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, reason := errorStatus(err)
	body := gin.H{"error": reason}
	var serviceErr *directory.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, directory.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name"
	case errors.Is(err, directory.ErrUnknownTarget):
		return http.StatusBadRequest, "unknown_target"
	case errors.Is(err, directory.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, directory.ErrProtected):
		return http.StatusForbidden, "protected"
	case errors.Is(err, directory.ErrNotAddressable):
		return http.StatusForbidden, "not_addressable"
	case errors.Is(err, media.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
