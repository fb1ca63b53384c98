package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/internal/protocol"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/constants"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/response"
)

const (
	userChannelPrefix = "signal:user:"
	broadcastChannel  = "signal:broadcast"
	onlineKeyPrefix   = "signal:online:"
)

// Dispatcher handles decoded client messages and connection lifecycle events
type Dispatcher interface {
	Dispatch(ctx context.Context, userID uuid.UUID, env *protocol.Envelope) error
	OnConnect(ctx context.Context, userID uuid.UUID)
	OnDisconnect(ctx context.Context, userID uuid.UUID)
	Heartbeat(ctx context.Context, userID uuid.UUID)
}

// bridgeMessage is what travels between instances over Redis
type bridgeMessage struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Hub is the signal transport: per-user websocket connections plus named groups.
// A user may hold several connections; every one of them receives the user's messages.
type Hub struct {
	instanceID string
	redis      *database.RedisClient

	mu     sync.RWMutex
	conns  map[uuid.UUID]map[*Conn]struct{}
	groups map[string]map[uuid.UUID]struct{}

	dispatcher Dispatcher

	maxConnections int
	semaphore      chan struct{}
	sendBuffer     int
	upgrader       websocket.Upgrader
}

// Conn is one websocket connection of a user
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	userID uuid.UUID

	// mu orders sends against the close of send
	mu     sync.Mutex
	closed bool
}

// NewHub creates a hub. redis may be nil for a single-instance deployment.
func NewHub(cfg config.SignalingConfig, redis *database.RedisClient) *Hub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}

	return &Hub{
		instanceID:     uuid.NewString(),
		redis:          redis,
		conns:          make(map[uuid.UUID]map[*Conn]struct{}),
		groups:         make(map[string]map[uuid.UUID]struct{}),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
		sendBuffer:     sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowed, r)
			},
		},
	}
}

// browsers always send Origin; native clients and agents do not
func originAllowed(allowed map[string]bool, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return allowed[origin]
}

// SetDispatcher wires the message handler. It must be called before serving.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *Hub) bridged() bool {
	return h.redis != nil && !h.redis.IsDegraded()
}

// ServeWS upgrades an authenticated request into a signaling connection
func (h *Hub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.FromError(c, apperrors.UnauthorizedError("Not authenticated"))
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.FromError(c, apperrors.InternalError("Invalid user ID"))
		return
	}
	if !h.upgrader.CheckOrigin(c.Request) {
		logger.Warn("WebSocket origin rejected", zap.String("origin", c.GetHeader("Origin")))
		response.FromError(c, apperrors.ForbiddenError("Origin not allowed"))
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	conn := &Conn{
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		userID: userID,
	}
	h.register(conn)

	go conn.writePump()
	go conn.readPump()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	metrics.SignalingConnections.Inc()
	logger.Debug("Signaling connection opened", zap.String("user_id", c.userID.String()), zap.Bool("first", first))

	if first {
		h.markOnline(c.userID)
		if h.dispatcher != nil {
			h.dispatcher.OnConnect(context.Background(), c.userID)
		}
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := set[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(h.conns, c.userID)
	}
	h.mu.Unlock()

	c.close()
	<-h.semaphore
	metrics.SignalingConnections.Dec()

	if last {
		h.markOffline(c.userID)
		if h.dispatcher != nil {
			h.dispatcher.OnDisconnect(context.Background(), c.userID)
		}
	}
}

func (h *Hub) markOnline(userID uuid.UUID) {
	if !h.bridged() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := onlineKeyPrefix + userID.String()
	if err := h.redis.SafeSAdd(ctx, key, h.instanceID).Err(); err != nil {
		logger.Warn("Failed to mark signaling user online", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	h.redis.SafeExpire(ctx, key, constants.PresenceTTL)
}

func (h *Hub) markOffline(userID uuid.UUID) {
	if !h.bridged() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.SafeSRem(ctx, onlineKeyPrefix+userID.String(), h.instanceID).Err(); err != nil {
		logger.Warn("Failed to mark signaling user offline", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// remoteInstances reports whether another instance holds a connection for the user
func (h *Hub) remoteInstances(userID uuid.UUID) bool {
	if !h.bridged() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	members, err := h.redis.SafeSMembers(ctx, onlineKeyPrefix+userID.String()).Result()
	if err != nil {
		return false
	}
	for _, m := range members {
		if m != h.instanceID {
			return true
		}
	}
	return false
}

// deliverLocal queues msg on every local connection of the user
func (h *Hub) deliverLocal(userID uuid.UUID, msg []byte) bool {
	h.mu.RLock()
	set := h.conns[userID]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if c.enqueue(msg) {
			delivered = true
		}
	}
	return delivered
}

// SendToUser delivers msg to every connection of the user, on this or any bridged instance
func (h *Hub) SendToUser(userID uuid.UUID, msg []byte) bool {
	delivered := h.deliverLocal(userID, msg)
	if h.remoteInstances(userID) && h.publish(userChannelPrefix+userID.String(), msg) {
		delivered = true
	}
	return delivered
}

// SendToGroup delivers msg to each group member except one, returning how many received it
func (h *Hub) SendToGroup(group string, msg []byte, except uuid.UUID) int {
	h.mu.RLock()
	members := make([]uuid.UUID, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		if id != except {
			members = append(members, id)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, id := range members {
		if h.SendToUser(id, msg) {
			n++
		}
	}
	return n
}

// Broadcast delivers msg to every connected user
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	users := make([]uuid.UUID, 0, len(h.conns))
	for id := range h.conns {
		users = append(users, id)
	}
	h.mu.RUnlock()

	for _, id := range users {
		h.deliverLocal(id, msg)
	}
	if h.bridged() {
		h.publish(broadcastChannel, msg)
	}
}

// JoinGroup adds a user to a named group
func (h *Hub) JoinGroup(group string, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[group]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		h.groups[group] = set
	}
	set[userID] = struct{}{}
}

// LeaveGroup removes a user from a named group; empty groups are dropped
func (h *Hub) LeaveGroup(group string, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.groups[group]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
}

// GroupMembers returns the users in a group
func (h *Hub) GroupMembers(group string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		out = append(out, id)
	}
	return out
}

// IsConnected reports whether the user has a live connection anywhere
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	_, ok := h.conns[userID]
	h.mu.RUnlock()
	return ok || h.remoteInstances(userID)
}

// ConnectedUsers returns users connected to this instance
func (h *Hub) ConnectedUsers() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

func (h *Hub) publish(channel string, msg []byte) bool {
	raw, err := json.Marshal(bridgeMessage{Origin: h.instanceID, Payload: msg})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.SafePublish(ctx, channel, raw).Err(); err != nil {
		logger.Debug("Failed to publish signal", zap.String("channel", channel), zap.Error(err))
		return false
	}
	return true
}

// Run bridges this hub to the others through Redis until ctx is done.
// While Redis is degraded, delivery stays local and the subscription is retried.
func (h *Hub) Run(ctx context.Context, retry time.Duration) {
	if h.redis == nil {
		return
	}
	for {
		h.subscribe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (h *Hub) subscribe(ctx context.Context) {
	pubsub := h.redis.SafePSubscribe(ctx, userChannelPrefix+"*", broadcastChannel)
	if pubsub == nil {
		return
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to signal channels", zap.Error(err))
		return
	}
	metrics.SignalingRedisSubscriptionActive.Set(1)
	defer metrics.SignalingRedisSubscriptionActive.Set(0)
	logger.Info("Signal bridge subscribed", zap.String("instance_id", h.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleBridged(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (h *Hub) handleBridged(channel string, raw []byte) {
	var bm bridgeMessage
	if err := json.Unmarshal(raw, &bm); err != nil {
		logger.Warn("Invalid bridged signal", zap.String("channel", channel), zap.Error(err))
		return
	}
	if bm.Origin == h.instanceID {
		return
	}

	if channel == broadcastChannel {
		for _, id := range h.ConnectedUsers() {
			h.deliverLocal(id, bm.Payload)
		}
		return
	}

	userID, err := uuid.Parse(strings.TrimPrefix(channel, userChannelPrefix))
	if err != nil {
		return
	}
	h.deliverLocal(userID, bm.Payload)
}

// enqueue never blocks; a connection that cannot keep up is closed
func (c *Conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.SignalingSlowConsumerTotal.Inc()
		logger.Warn("Dropping slow signaling connection", zap.String("user_id", c.userID.String()))
		go c.hub.unregister(c)
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) replyError(err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.InternalError("Internal error")
	}
	c.enqueue(protocol.MustEncode(protocol.TypeCallError, protocol.CallError{
		Error: appErr.Message,
		Code:  string(appErr.Code),
	}))
}

// readPump processes one connection's messages in order
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		if c.hub.dispatcher != nil {
			c.hub.dispatcher.Heartbeat(context.Background(), c.userID)
		}
		c.hub.markOnline(c.userID)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.replyError(apperrors.ValidationError("Invalid message format"))
			continue
		}
		metrics.SignalingMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()

		if c.hub.dispatcher == nil {
			continue
		}
		if err := c.hub.dispatcher.Dispatch(context.Background(), c.userID, env); err != nil {
			c.replyError(err)
		}
	}
}

// writePump is the only writer of the connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
