// Package server exposes the sync gateway over HTTP: authenticated pull and
// push endpoints per collection plus a server-sent-events stream that nudges
// a principal's other devices when documents they can see change.
package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/giftcircle/giftcircle/backend/internal/document"
	"github.com/giftcircle/giftcircle/backend/internal/gateway"
	"github.com/giftcircle/giftcircle/backend/internal/users"
	"go.uber.org/zap"
)

const principalContextKey = "giftcircle_principal_id"

const heartbeatInterval = 25 * time.Second

var (
	errMissingGateway       = errors.New("gateway service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPrincipals    = errors.New("principal registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the principal it was
// issued to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Gateway      *gateway.Service
	TokenManager TokenValidator
	Principals   *users.Service
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
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
		gateway:    deps.Gateway,
		tokens:     deps.TokenManager,
		principals: deps.Principals,
		realtime:   realtime,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.GET("/pull/:collection", handler.handlePull)
	protected.POST("/push/:collection", handler.handlePush)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	gateway    *gateway.Service
	tokens     TokenValidator
	principals *users.Service
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pullResponsePayload struct {
	Documents  []document.Document  `json:"documents"`
	Checkpoint *document.Checkpoint `json:"checkpoint"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	principal := h.requestPrincipal(c)
	if principal == "" {
		return
	}
	collection, err := document.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_collection"})
		return
	}

	checkpoint := document.Checkpoint{ID: c.Query("checkpoint_id")}
	if raw := c.Query("checkpoint_updated_at"); raw != "" {
		checkpoint.UpdatedAtMilli, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_checkpoint"})
			return
		}
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}

	result, err := h.gateway.Pull(c.Request.Context(), principal, collection, checkpoint, limit)
	if err != nil {
		h.logger.Error("pull failed", zap.String("collection", collection.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	documents := result.Documents
	if documents == nil {
		documents = []document.Document{}
	}
	c.JSON(http.StatusOK, pullResponsePayload{Documents: documents, Checkpoint: result.Checkpoint})
}

type pushRequestPayload struct {
	Documents []document.Document `json:"documents"`
}

type pushResponsePayload struct {
	Conflicts []document.Conflict `json:"conflicts"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	principal := h.requestPrincipal(c)
	if principal == "" {
		return
	}
	collection, err := document.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_collection"})
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Documents) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.gateway.Push(c.Request.Context(), principal, collection, request.Documents)
	if err != nil {
		h.logger.Error("push failed", zap.String("collection", collection.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}

	h.fanOutAccepted(collection, result.Accepted)

	conflicts := result.Conflicts
	if conflicts == nil {
		conflicts = []document.Conflict{}
	}
	c.JSON(http.StatusOK, pushResponsePayload{Conflicts: conflicts})
}

type realtimeEventPayload struct {
	Collection  string   `json:"collection"`
	DocumentIDs []string `json:"documentIds"`
	Source      string   `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	principal := h.requestPrincipal(c)
	if principal == "" {
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), principal.String())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Collection:  message.Collection,
				DocumentIDs: message.DocumentIDs,
				Source:      realtimeSourceBackend,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

// fanOutAccepted notifies every principal in an accepted document's access
// set, the pusher included; its other devices learn about the change the same
// way everyone else's do.
func (h *httpHandler) fanOutAccepted(collection document.Collection, accepted []document.Document) {
	if len(accepted) == 0 {
		return
	}
	byPrincipal := collectChangedDocumentIDs(accepted)
	now := time.Now().UTC()
	for principal, documentIDs := range byPrincipal {
		h.realtime.Publish(RealtimeMessage{
			PrincipalID: principal,
			EventType:   RealtimeEventDocumentChanged,
			Collection:  collection.Wire(),
			DocumentIDs: documentIDs,
			Timestamp:   now,
		})
	}
}

// collectChangedDocumentIDs groups accepted document ids by the principals
// allowed to see them, each group sorted for stable payloads.
func collectChangedDocumentIDs(accepted []document.Document) map[string][]string {
	if len(accepted) == 0 {
		return nil
	}
	byPrincipal := make(map[string][]string)
	for _, doc := range accepted {
		if doc.ID == "" {
			continue
		}
		for _, principal := range doc.Access {
			byPrincipal[principal] = append(byPrincipal[principal], doc.ID)
		}
	}
	for _, documentIDs := range byPrincipal {
		sort.Strings(documentIDs)
	}
	return byPrincipal
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.principals.ResolvePrincipal(subject, users.Profile{})
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal.String())
	c.Next()
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the access_token query parameter for EventSource clients that
// cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) requestPrincipal(c *gin.Context) document.PrincipalID {
	principal := c.GetString(principalContextKey)
	if principal == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return ""
	}
	return document.PrincipalID(principal)
}
