package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/auth"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/delivery"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/queue"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/routing"
)

const (
	sendBufferSize  = 32
	teardownTimeout = 5 * time.Second
	redriveTimeout  = 30 * time.Second
)

var (
	errMissingRegistry  = errors.New("registry dependency required")
	errMissingPublisher = errors.New("publisher dependency required")
	errMissingVerifier  = errors.New("verifier dependency required")
	errSendBufferFull   = errors.New("server: client send buffer full")
)

// TokenVerifier checks pool access tokens and classifies their holders.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.PoolClaims, error)
	IsAdmin(claims auth.PoolClaims) bool
}

// DeadLetterRedriver replays dead-lettered messages back onto the queue.
type DeadLetterRedriver interface {
	Drain(ctx context.Context) (int, error)
}

// GatewayConfig configures the websocket gateway.
type GatewayConfig struct {
	Registry  *registry.Service
	Publisher queue.Publisher
	Verifier  TokenVerifier
	Redriver  DeadLetterRedriver
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Gateway owns the live websocket sessions. It upgrades connections, feeds
// inbound frames to the queue, and implements the delivery transport for
// outbound frames. A session is reachable exactly while its registry row
// exists; Post on an unknown connection id reports the session gone.
type Gateway struct {
	registryService *registry.Service
	publisher       queue.Publisher
	verifier        TokenVerifier
	redriver        DeadLetterRedriver
	logger          *zap.Logger
	clock           func() time.Time
	upgrader        websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewGateway constructs a websocket gateway with validated dependencies.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		registryService: cfg.Registry,
		publisher:       cfg.Publisher,
		verifier:        cfg.Verifier,
		redriver:        cfg.Redriver,
		logger:          logger,
		clock:           clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}, nil
}

type wsClient struct {
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func (c *wsClient) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return delivery.ErrGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *wsClient) writeLoop(conn *websocket.Conn) {
	for payload := range c.send {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	_ = conn.Close()
}

// Post implements the delivery transport. A missing session is reported as
// gone so the delivery engine evicts its registry row; a full send buffer
// is a transient failure left for redelivery.
func (g *Gateway) Post(ctx context.Context, connectionID string, payload []byte) error {
	g.mu.RLock()
	client, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return delivery.ErrGone
	}
	return client.enqueue(payload)
}

// ServeWS upgrades the request and runs the session until the peer hangs
// up. A token that fails verification downgrades silently to guest rather
// than rejecting the connection.
func (g *Gateway) ServeWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := g.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	role := registry.RoleGuest
	if token := strings.TrimSpace(request.URL.Query().Get("accessToken")); token != "" {
		claims, verifyErr := g.verifier.Verify(request.Context(), token)
		if verifyErr == nil && g.verifier.IsAdmin(claims) {
			role = registry.RoleAdmin
		} else if verifyErr != nil {
			g.logger.Debug("connect token rejected, continuing as guest",
				zap.String("connection_id", connectionID),
				zap.Error(verifyErr))
		}
	}

	setupCtx := request.Context()
	if err := g.registryService.Upsert(setupCtx, registry.Connection{
		ConnectionID: connectionID,
		Role:         role,
	}); err != nil {
		g.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	client := &wsClient{send: make(chan []byte, sendBufferSize)}
	g.mu.Lock()
	g.clients[connectionID] = client
	g.mu.Unlock()
	go client.writeLoop(conn)

	g.publishEnvelope(setupCtx, routing.NewConnection{
		ConnectionID: connectionID,
		Timestamp:    g.clock(),
	})
	g.publishEnvelope(setupCtx, routing.Welcome{
		TargetConnectionID: connectionID,
		IsAdmin:            role == registry.RoleAdmin,
		Timestamp:          g.clock(),
	})
	if role == registry.RoleAdmin {
		go g.drainDeadLetters()
	}

	g.readLoop(conn, connectionID)
	g.teardown(connectionID, client)
}

func (g *Gateway) readLoop(conn *websocket.Conn, connectionID string) {
	ctx := context.Background()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleFrame(ctx, connectionID, raw)
	}
}

func (g *Gateway) teardown(connectionID string, client *wsClient) {
	g.mu.Lock()
	delete(g.clients, connectionID)
	g.mu.Unlock()
	client.close()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := g.registryService.Remove(ctx, connectionID); err != nil {
		g.logger.Error("failed to remove connection",
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
	g.publishEnvelope(ctx, routing.EndConnection{
		ConnectionID: connectionID,
		Timestamp:    g.clock(),
	})
}

type inboundFrame struct {
	Action             string `json:"action"`
	Message            string `json:"message"`
	TargetConnectionID string `json:"targetConnectionId"`
	IsAdmin            bool   `json:"isAdmin"`
	AccessToken        string `json:"accessToken"`
	Key                string `json:"key"`
	Value              string `json:"value"`
}

func (g *Gateway) handleFrame(ctx context.Context, connectionID string, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.respondError(connectionID, "badRequest", "malformed frame")
		return
	}
	switch frame.Action {
	case "sendMessage":
		g.handleSendMessage(ctx, connectionID, frame)
	case "authenticate":
		g.handleAuthenticate(ctx, connectionID, frame)
	case "set":
		g.handleSet(ctx, connectionID, frame)
	case "listConnections":
		g.handleListConnections(ctx, connectionID)
	default:
		g.respondError(connectionID, "badRequest", "unknown action")
	}
}

// handleSendMessage routes by the role persisted in the registry, never by
// the client-supplied isAdmin hint.
func (g *Gateway) handleSendMessage(ctx context.Context, connectionID string, frame inboundFrame) {
	if strings.TrimSpace(frame.Message) == "" {
		g.respondError(connectionID, "sendMessage", "message is required")
		return
	}
	row, err := g.registryService.Get(ctx, connectionID)
	if err != nil {
		g.logger.Error("failed to load sender row",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		g.respondError(connectionID, "sendMessage", "connection is not registered")
		return
	}

	var envelope routing.Envelope
	if row.IsAdmin() {
		if strings.TrimSpace(frame.TargetConnectionID) == "" {
			g.respondError(connectionID, "sendMessage", "targetConnectionId is required")
			return
		}
		envelope = routing.AdminMessage{
			TargetConnectionID: frame.TargetConnectionID,
			SenderConnectionID: connectionID,
			Message:            frame.Message,
			Timestamp:          g.clock(),
		}
	} else {
		envelope = routing.GuestMessage{
			ConnectionID: connectionID,
			Message:      frame.Message,
			Name:         row.FullName,
			Email:        row.Email,
			Phone:        row.Phone,
			Timestamp:    g.clock(),
		}
	}
	if !g.publishEnvelope(ctx, envelope) {
		g.respondError(connectionID, "sendMessage", "message could not be queued")
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, connectionID string, frame inboundFrame) {
	claims, err := g.verifier.Verify(ctx, frame.AccessToken)
	if err != nil || !g.verifier.IsAdmin(claims) {
		if err != nil {
			g.logger.Warn("authenticate failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
		g.respondError(connectionID, "authenticate", "not authorized")
		return
	}
	if err := g.registryService.SetRole(ctx, connectionID, registry.RoleAdmin); err != nil {
		g.logger.Error("failed to promote connection",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		g.respondError(connectionID, "authenticate", "role update failed")
		return
	}
	g.publishEnvelope(ctx, routing.Welcome{
		TargetConnectionID: connectionID,
		IsAdmin:            true,
		Timestamp:          g.clock(),
	})
	go g.drainDeadLetters()
}

func (g *Gateway) handleSet(ctx context.Context, connectionID string, frame inboundFrame) {
	err := g.registryService.SetField(ctx, connectionID, frame.Key, frame.Value)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrInvalidField), errors.Is(err, registry.ErrEmptyValue):
		g.respondError(connectionID, "set", err.Error())
	case errors.Is(err, registry.ErrNotFound):
		// The row is already gone: the set frame raced a disconnect.
		g.logger.Debug("set frame for a removed connection",
			zap.String("connection_id", connectionID))
	default:
		g.logger.Error("failed to set profile field",
			zap.String("connection_id", connectionID),
			zap.String("field", frame.Key),
			zap.Error(err))
		g.respondError(connectionID, "set", "field update failed")
	}
}

type connectionPayload struct {
	ConnectionID string `json:"connectionId"`
	Role         string `json:"role"`
	FullName     string `json:"fullName,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

func (g *Gateway) handleListConnections(ctx context.Context, connectionID string) {
	row, err := g.registryService.Get(ctx, connectionID)
	if err != nil || !row.IsAdmin() {
		g.respondError(connectionID, "listConnections", "not authorized")
		return
	}
	rows, err := g.registryService.List(ctx)
	if err != nil {
		g.respondError(connectionID, "listConnections", "listing failed")
		return
	}
	payload := struct {
		Connections []connectionPayload `json:"connections"`
	}{Connections: connectionPayloads(rows)}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.respond(connectionID, encoded)
}

func connectionPayloads(rows []registry.Connection) []connectionPayload {
	payloads := make([]connectionPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, connectionPayload{
			ConnectionID: row.ConnectionID,
			Role:         string(row.Role),
			FullName:     row.FullName,
			Email:        row.Email,
			Phone:        row.Phone,
		})
	}
	return payloads
}

func (g *Gateway) publishEnvelope(ctx context.Context, envelope routing.Envelope) bool {
	encoded, err := envelope.Encode()
	if err != nil {
		g.logger.Error("failed to encode envelope",
			zap.String("type", string(envelope.Kind())),
			zap.Error(err))
		return false
	}
	if err := g.publisher.Publish(ctx, encoded); err != nil {
		g.logger.Error("failed to publish envelope",
			zap.String("type", string(envelope.Kind())),
			zap.Error(err))
		return false
	}
	return true
}

func (g *Gateway) drainDeadLetters() {
	if g.redriver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redriveTimeout)
	defer cancel()
	moved, err := g.redriver.Drain(ctx)
	if err != nil {
		g.logger.Error("dead-letter redrive failed", zap.Error(err))
		return
	}
	if moved > 0 {
		g.logger.Info("dead-letter redrive completed", zap.Int("moved", moved))
	}
}

func (g *Gateway) respondError(connectionID, errorContext, message string) {
	encoded, err := routing.EncodeFrame(routing.ErrorFrame{Error: errorContext, Message: message})
	if err != nil {
		return
	}
	g.respond(connectionID, encoded)
}

func (g *Gateway) respond(connectionID string, payload []byte) {
	g.mu.RLock()
	client, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if err := client.enqueue(payload); err != nil {
		g.logger.Debug("dropped direct response",
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}
