// Package server exposes the reading services over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/auth"
	"github.com/MarcoPoloResearchLab/ides/internal/comments"
	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	readerIDContextKey       = "ides_reader_id"
	readerRoleContextKey     = "ides_reader_role"
	defaultHeartbeatInterval = 25 * time.Second

	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "forbidden"
	errorCodeInternal       = "internal_error"
)

var (
	errMissingReaders   = errors.New("readers service dependency required")
	errMissingStore     = errors.New("revision store dependency required")
	errMissingPager     = errors.New("pager dependency required")
	errMissingPublisher = errors.New("publisher dependency required")
	errMissingComments  = errors.New("comments service dependency required")
	errMissingSessions  = errors.New("session issuer and validator dependencies required")
)

// Dependencies wires the services behind the HTTP surface.
type Dependencies struct {
	Readers           *readers.Service
	Store             *revisions.Store
	Pager             *reading.Pager
	Publisher         *reading.Publisher
	Comments          *comments.Service
	Sessions          *auth.SessionIssuer
	Validator         *auth.SessionValidator
	Realtime          *RealtimeDispatcher
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Readers == nil:
		return nil, errMissingReaders
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Pager == nil:
		return nil, errMissingPager
	case deps.Publisher == nil:
		return nil, errMissingPublisher
	case deps.Comments == nil:
		return nil, errMissingComments
	case deps.Sessions == nil || deps.Validator == nil:
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		readers:   deps.Readers,
		store:     deps.Store,
		pager:     deps.Pager,
		publisher: deps.Publisher,
		comments:  deps.Comments,
		sessions:  deps.Sessions,
		validator: deps.Validator,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/book", handler.handleView)
	protected.POST("/book/next", handler.handleNavigate(reading.DirectionForward))
	protected.POST("/book/prev", handler.handleNavigate(reading.DirectionBack))
	protected.POST("/book/notice/ack", handler.handleAcknowledgeNotice)
	protected.GET("/book/events", handler.handleEvents)
	protected.GET("/blocks/:id/comments", handler.handleListComments)
	protected.POST("/blocks/:id/comments", handler.handleAddComment)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/import", handler.handleImport)
	admin.GET("/revisions", handler.handleListRevisions)
	admin.POST("/revisions/live", handler.handlePublish)
	admin.GET("/readers", handler.handleListReaders)
	admin.POST("/readers", handler.handleIssueReader)
	admin.DELETE("/readers/:id", handler.handleRevokeReader)
	admin.GET("/comments", handler.handleRecentComments)

	return router, nil
}

type httpHandler struct {
	readers   *readers.Service
	store     *revisions.Store
	pager     *reading.Pager
	publisher *reading.Publisher
	comments  *comments.Service
	sessions  *auth.SessionIssuer
	validator *auth.SessionValidator
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}

	reader, err := h.readers.Get(c.Request.Context(), claims.ReaderID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			h.logger.Info("session for inactive reader", zap.String("reader_id", claims.ReaderID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
			return
		}
		h.abortWithError(c, err)
		return
	}

	c.Set(readerIDContextKey, reader.ID)
	c.Set(readerRoleContextKey, string(reader.Role))
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if readers.Role(c.GetString(readerRoleContextKey)) != readers.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		return
	}
	c.Next()
}

// abortWithError maps a service error onto a status and its stable code.
func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	code := errs.CodeOf(err)
	if code == "" {
		code = errorCodeInternal
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrEmptyRevision):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNoLiveRevision):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
