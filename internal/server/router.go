package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/barrageforge/barrage/internal/auth"
	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/highscore"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/search"
	"github.com/barrageforge/barrage/internal/stats"
	"github.com/barrageforge/barrage/pkg/api"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey  = "barrage_owner_id"
	deviceIDContextKey = "barrage_device_id"

	defaultBoardLimit = 10
	maxBoardLimit     = 100
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingIdentities    = errors.New("identity service dependency required")
	errMissingResources     = errors.New("resource service dependency required")
	errMissingHighscores    = errors.New("highscore service dependency required")
	errMissingStats         = errors.New("stats service dependency required")
	errMissingDownloads     = errors.New("download service dependency required")
	errMissingPublisher     = errors.New("publish coordinator dependency required")
	errMissingBlobs         = errors.New("blob store dependency required")
	errMissingSearch        = errors.New("search index dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, ownerID, deviceID string) (string, int64, error)
	ValidateToken(token string) (auth.Session, error)
}

// IdentityResolver maps external credentials to owner ids and tracks the
// login lifecycle.
type IdentityResolver interface {
	ResolveOwnerID(ctx context.Context, provider, subject, displayName string) (string, error)
	OnLogin(ctx context.Context, ownerID string)
	OnLogout(ownerID string)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	TokenManager TokenManager
	Identities   IdentityResolver
	Resources    *resource.Service
	Highscores   *highscore.Service
	Stats        *stats.Service
	Downloads    *publish.DownloadService
	Publisher    *publish.Coordinator
	Blobs        *blob.Store
	Search       *search.Index
	Dispatcher   *RealtimeDispatcher
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router over the given dependencies.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Resources == nil {
		return nil, errMissingResources
	}
	if deps.Highscores == nil {
		return nil, errMissingHighscores
	}
	if deps.Stats == nil {
		return nil, errMissingStats
	}
	if deps.Downloads == nil {
		return nil, errMissingDownloads
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobs
	}
	if deps.Search == nil {
		return nil, errMissingSearch
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher(clock)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		identities: deps.Identities,
		resources:  deps.Resources,
		highscores: deps.Highscores,
		stats:      deps.Stats,
		downloads:  deps.Downloads,
		publisher:  deps.Publisher,
		blobs:      deps.Blobs,
		search:     deps.Search,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}

	router.POST("/v1/auth/token", handler.handleToken)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/logout", handler.handleLogout)
	protected.POST("/sync/download", handler.handleDownloadSync)
	protected.POST("/sync/resources", handler.handleResourceSync)
	protected.POST("/sync/highscores", handler.handleHighscoreSync)
	protected.POST("/sync/stats", handler.handleStatSync)
	protected.POST("/publish", handler.handlePublish)
	protected.GET("/sync/events", handler.handleEvents)
	protected.GET("/blobs/:handle", handler.handleBlobGet)
	protected.GET("/levels", handler.handleLevels)
	protected.GET("/levels/:level_id/highscores", handler.handleBoard)
	protected.GET("/levels/:level_id/stats", handler.handleLevelAggregate)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	identities IdentityResolver
	resources  *resource.Service
	highscores *highscore.Service
	stats      *stats.Service
	downloads  *publish.DownloadService
	publisher  *publish.Coordinator
	blobs      *blob.Store
	search     *search.Index
	dispatcher *RealtimeDispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

func (h *httpHandler) handleToken(c *gin.Context) {
	var request api.TokenRequest
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Provider) == "" ||
		strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ownerID, err := h.identities.ResolveOwnerID(c.Request.Context(), request.Provider, request.Subject, request.DisplayName)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, api.TokenResponse{Status: api.StatusFailedUserNotLoggedIn})
		return
	}
	h.identities.OnLogin(c.Request.Context(), ownerID)

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), ownerID, request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.TokenResponse{Status: api.StatusFailedServerError})
		return
	}

	c.JSON(http.StatusOK, api.TokenResponse{
		Status:      api.StatusSuccess,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		OwnerID:     ownerID,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	h.identities.OnLogout(ownerID)
	c.JSON(http.StatusOK, gin.H{"status": api.StatusSuccess})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": api.StatusFailedUserNotLoggedIn, "error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": api.StatusFailedUserNotLoggedIn, "error": errInvalidAuthorization.Error()})
		return
	}
	session, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": api.StatusFailedUserNotLoggedIn})
		return
	}
	c.Set(ownerIDContextKey, session.OwnerID)
	c.Set(deviceIDContextKey, session.DeviceID)
	c.Next()
}
