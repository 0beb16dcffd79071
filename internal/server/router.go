package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/conversation"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/pushkeys"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/queue"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/routing"
)

const principalContextKey = "chat_principal"

// accessTokenHeader carries an optional pool access token on conversation
// appends, separate from the Authorization header holding the conversation
// bearer token.
const accessTokenHeader = "X-Access-Token"

var (
	errMissingConversations = errors.New("conversation service dependency required")
	errMissingPushKeys      = errors.New("push key service dependency required")
	errMissingGateway       = errors.New("gateway dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Registry      *registry.Service
	Conversations *conversation.Service
	PushKeys      *pushkeys.Service
	Publisher     queue.Publisher
	Verifier      TokenVerifier
	Gateway       *Gateway
	Logger        *zap.Logger
	Clock         func() time.Time
}

// NewHTTPHandler builds the gin router exposing the relay's HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Conversations == nil {
		return nil, errMissingConversations
	}
	if deps.PushKeys == nil {
		return nil, errMissingPushKeys
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", accessTokenHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registryService: deps.Registry,
		conversations:   deps.Conversations,
		pushKeys:        deps.PushKeys,
		publisher:       deps.Publisher,
		verifier:        deps.Verifier,
		logger:          logger,
		clock:           clock,
	}

	router.GET("/ws", func(c *gin.Context) {
		deps.Gateway.ServeWS(c.Writer, c.Request)
	})

	router.POST("/message", handler.handleGuestMessage)
	router.GET("/conversations/new", handler.handleConversationCreate)
	router.GET("/push/key", handler.handlePushKey)

	conversations := router.Group("/conversations")
	conversations.Use(handler.authorizeConversation)
	conversations.GET("/:uuid", handler.handleConversationList)
	conversations.POST("/:uuid", handler.handleConversationAppend)

	admin := router.Group("/")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/adminMessage", handler.handleAdminMessage)
	admin.GET("/connections", handler.handleListConnections)
	admin.POST("/push/key", handler.handlePushKeyRotate)

	return router, nil
}

type httpHandler struct {
	registryService *registry.Service
	conversations   *conversation.Service
	pushKeys        *pushkeys.Service
	publisher       queue.Publisher
	verifier        TokenVerifier
	logger          *zap.Logger
	clock           func() time.Time
}

type guestMessagePayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
}

func (h *httpHandler) handleGuestMessage(c *gin.Context) {
	var request guestMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Message) == "" ||
		strings.TrimSpace(request.ConnectionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	envelope := routing.GuestMessage{
		ConnectionID: request.ConnectionID,
		Message:      request.Message,
		Name:         request.Name,
		Email:        request.Email,
		Phone:        request.Phone,
		Timestamp:    h.clock(),
	}
	if !h.publish(c, envelope) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type adminMessagePayload struct {
	TargetConnectionID string `json:"targetConnectionId"`
	Message            string `json:"message"`
}

func (h *httpHandler) handleAdminMessage(c *gin.Context) {
	var request adminMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Message) == "" ||
		strings.TrimSpace(request.TargetConnectionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	envelope := routing.AdminMessage{
		TargetConnectionID: request.TargetConnectionID,
		Message:            request.Message,
		Timestamp:          h.clock(),
	}
	if !h.publish(c, envelope) {
		return
	}
	h.logger.Info("admin message queued",
		zap.String("principal", c.GetString(principalContextKey)),
		zap.String("target_connection_id", request.TargetConnectionID))
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) handleListConnections(c *gin.Context) {
	rows, err := h.registryService.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": connectionPayloads(rows)})
}

func (h *httpHandler) handleConversationCreate(c *gin.Context) {
	created, err := h.conversations.Create(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "creation_failed"})
		return
	}

	response := gin.H{
		"conversationUuid": created.ConversationUUID,
		"bearerToken":      created.BearerToken,
	}
	if publicKey, keyErr := h.pushKeys.PublicKey(c.Request.Context()); keyErr == nil {
		response["vapidPublicKey"] = publicKey
	} else {
		h.logger.Warn("push key unavailable for new conversation", zap.Error(keyErr))
	}
	c.JSON(http.StatusCreated, response)
}

type conversationMessagePayload struct {
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Message   string `json:"message"`
	Principal string `json:"principal,omitempty"`
}

func conversationMessagePayloads(messages []conversation.Message) []conversationMessagePayload {
	payloads := make([]conversationMessagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload(message))
	}
	return payloads
}

func messagePayload(message conversation.Message) conversationMessagePayload {
	return conversationMessagePayload{
		MessageID: message.MessageID,
		Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
		Name:      message.Name,
		Email:     message.Email,
		Phone:     message.Phone,
		Message:   message.Body,
		Principal: message.Principal,
	}
}

func (h *httpHandler) handleConversationList(c *gin.Context) {
	var since *time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = &parsed
	}

	messages, err := h.conversations.List(c.Request.Context(), c.Param("uuid"), since)
	if err != nil {
		h.logger.Error("failed to list conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": conversationMessagePayloads(messages)})
}

type conversationAppendPayload struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
}

func (h *httpHandler) handleConversationAppend(c *gin.Context) {
	var request conversationAppendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	principal := ""
	if token := strings.TrimSpace(c.GetHeader(accessTokenHeader)); token != "" {
		claims, err := h.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			h.logger.Warn("conversation append token rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		principal = claims.Subject
	}

	appended, err := h.conversations.Append(c.Request.Context(), c.Param("uuid"), conversation.AppendRequest{
		Name:      request.Name,
		Email:     request.Email,
		Phone:     request.Phone,
		Body:      request.Message,
		Principal: principal,
	})
	if errors.Is(err, conversation.ErrInvalidMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
		return
	}
	if err != nil {
		h.logger.Error("failed to append message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append_failed"})
		return
	}
	c.JSON(http.StatusCreated, messagePayload(appended))
}

func (h *httpHandler) handlePushKey(c *gin.Context) {
	publicKey, err := h.pushKeys.PublicKey(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load push key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": publicKey})
}

func (h *httpHandler) handlePushKeyRotate(c *gin.Context) {
	publicKey, err := h.pushKeys.Rotate(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to rotate push key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": publicKey})
}

// authorizeAdmin gates a route on a pool access token carrying the admin
// group. The verified subject is attached to the request, never held in
// shared state.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("admin token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.verifier.IsAdmin(claims) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(principalContextKey, claims.Subject)
	c.Next()
}

// authorizeConversation gates a route on the conversation's own bearer
// token.
func (h *httpHandler) authorizeConversation(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	err := h.conversations.Authorize(c.Request.Context(), c.Param("uuid"), token)
	switch {
	case err == nil:
		c.Next()
	case errors.Is(err, conversation.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, conversation.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("conversation authorization failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func (h *httpHandler) publish(c *gin.Context, envelope routing.Envelope) bool {
	encoded, err := envelope.Encode()
	if err != nil {
		h.logger.Error("failed to encode envelope",
			zap.String("type", string(envelope.Kind())),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encoding_failed"})
		return false
	}
	if err := h.publisher.Publish(c.Request.Context(), encoded); err != nil {
		h.logger.Error("failed to publish envelope",
			zap.String("type", string(envelope.Kind())),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return false
	}
	return true
}
