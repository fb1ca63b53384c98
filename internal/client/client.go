// Package client drives calls from the participant side: it holds the signaling
// socket, answers invitations and runs one peer engine and media controller per call.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/media"
	"huddle-backend/internal/peer"
	"huddle-backend/internal/protocol"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// Options configures a Client
type Options struct {
	URL        string
	Token      string
	UserID     uuid.UUID
	AutoAccept bool
	Call       config.CallConfig
	Factory    peer.Factory
	Devices    media.Devices
	Clock      clock.Clock
}

// Client is one signed-in participant. It takes part in at most one call at a time.
type Client struct {
	opts   Options
	timers *timer.Table
	log    *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	ringing map[uuid.UUID]protocol.CallIncoming
	session *session
}

type session struct {
	callID         uuid.UUID
	conversationID uuid.UUID
	isGroup        bool
	kind           domain.CallKind
	engine         *peer.Engine
	media          *media.Controller
}

// New creates a disconnected client
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		opts:    opts,
		timers:  timer.NewTable(opts.Clock),
		log:     logger.With(zap.String("user_id", opts.UserID.String())),
		ringing: make(map[uuid.UUID]protocol.CallIncoming),
	}
}

// Dial opens the signaling socket
func (c *Client) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.opts.Token)

	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to signaling server (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.log.Info("Connected to signaling server", zap.String("url", c.opts.URL))
	return nil
}

// Run reads server events until ctx is done or the socket closes
func (c *Client) Run(ctx context.Context) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signaling socket closed: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Debug("Ignoring malformed server message", zap.Error(err))
			continue
		}
		c.handle(env)
	}
}

// Close hangs up the active call and closes the socket
func (c *Client) Close() error {
	if s := c.Active(); s != nil {
		c.Hangup(s.callID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(t protocol.Type, payload any) error {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// SendSignal implements peer.Signaler
func (c *Client) SendSignal(callID, toUserID uuid.UUID, data protocol.SignalData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.send(protocol.TypeCallSignal, protocol.CallSignalOut{CallID: callID, ToUserID: toUserID, Data: raw})
}

// PublishState implements media.StatePublisher
func (c *Client) PublishState(state protocol.ParticipantState) error {
	return c.send(protocol.TypeCallParticipantState, state)
}

// StartCall rings the other members of a conversation
func (c *Client) StartCall(conversationID uuid.UUID, kind domain.CallKind) error {
	return c.send(protocol.TypeCallStart, protocol.CallStart{ConversationID: conversationID, Kind: string(kind)})
}

// Accept answers a ringing invitation
func (c *Client) Accept(callID uuid.UUID) error {
	c.mu.Lock()
	inv := c.ringing[callID]
	c.mu.Unlock()
	return c.send(protocol.TypeCallAccept, protocol.CallAccept{CallID: callID, ConversationID: inv.ConversationID})
}

// Hangup leaves a group call or ends a 1:1 call
func (c *Client) Hangup(callID uuid.UUID) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.callID != callID {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	var err error
	if s.isGroup {
		err = c.send(protocol.TypeCallLeave, protocol.CallLeave{CallID: callID})
	} else {
		err = c.send(protocol.TypeCallEnd, protocol.CallEnd{CallID: callID, ConversationID: s.conversationID})
	}
	if err != nil {
		c.log.Warn("Failed to send hangup", zap.String("call_id", callID.String()), zap.Error(err))
	}
	c.teardown(s)
}

// Active returns the current call, or nil
func (c *Client) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return &Session{callID: c.session.callID, s: c.session}
}

// Session is a handle on the active call
type Session struct {
	callID uuid.UUID
	s      *session
}

func (s *Session) CallID() uuid.UUID        { return s.callID }
func (s *Session) Media() *media.Controller { return s.s.media }
func (s *Session) Peers() []uuid.UUID       { return s.s.engine.Peers() }
func (s *Session) IsGroup() bool            { return s.s.isGroup }
func (s *Session) Kind() domain.CallKind    { return s.s.kind }
func (s *Session) Engine() *peer.Engine     { return s.s.engine }

func (c *Client) connectKey(callID uuid.UUID) timer.Key {
	return timer.Key{CallID: callID, Kind: timer.KindConnect}
}

func (c *Client) open(callID, conversationID uuid.UUID, isGroup bool, kind domain.CallKind) *session {
	c.mu.Lock()
	if c.session != nil && c.session.callID == callID {
		s := c.session
		c.mu.Unlock()
		return s
	}
	prev := c.session
	s := &session{callID: callID, conversationID: conversationID, isGroup: isGroup, kind: kind}
	s.engine = peer.NewEngine(peer.Options{
		CallID:   callID,
		LocalID:  c.opts.UserID,
		Factory:  c.opts.Factory,
		Signaler: c,
		Timers:   c.timers,
		Config:   c.opts.Call,
		Hooks: peer.Hooks{
			OnConnected: func(uuid.UUID) { c.timers.Cancel(c.connectKey(callID)) },
			OnPeerRemoved: func(peerID uuid.UUID, _ string) {
				if cur := c.current(callID); cur != nil {
					cur.media.ForgetRemote(peerID)
				}
			},
			OnEmpty: func() {
				c.log.Info("Every peer left", zap.String("call_id", callID.String()))
				c.Hangup(callID)
			},
		},
	})
	s.media = media.NewController(callID, c.opts.UserID, c.opts.Devices, s.engine, c)
	c.session = s
	delete(c.ringing, callID)
	c.mu.Unlock()

	if prev != nil {
		c.log.Warn("Replacing active call", zap.String("previous_call_id", prev.callID.String()))
		c.teardown(prev)
	}
	s.media.Start(kind)
	return s
}

func (c *Client) current(callID uuid.UUID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.callID != callID {
		return nil
	}
	return c.session
}

// armConnectTimeout gives the call ConnectTimeout to reach its first connected peer
func (c *Client) armConnectTimeout(callID uuid.UUID) {
	c.timers.Set(c.connectKey(callID), c.opts.Call.ConnectTimeout, func() {
		c.log.Warn("No peer connected in time", zap.String("call_id", callID.String()))
		c.Hangup(callID)
	})
}

func (c *Client) teardown(s *session) {
	c.timers.Cancel(c.connectKey(s.callID))
	s.media.Close()
	s.engine.Close()
}

func (c *Client) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallIncoming:
		var ev protocol.CallIncoming
		if c.bind(env, &ev) {
			c.onIncoming(ev)
		}

	case protocol.TypeCallStarted:
		var ev protocol.CallStarted
		if c.bind(env, &ev) {
			if len(ev.BusyUserIDs) > 0 {
				c.log.Info("Some members are busy", zap.Int("busy", len(ev.BusyUserIDs)))
			}
			c.open(ev.CallID, ev.ConversationID, ev.IsGroup, domain.ParseCallKind(ev.Kind))
		}

	case protocol.TypeCallExistingParticipants:
		var ev protocol.CallExistingParticipants
		if c.bind(env, &ev) {
			c.onExistingParticipants(ev)
		}

	case protocol.TypeCallPeerAccepted:
		var ev protocol.CallPeerAccepted
		if c.bind(env, &ev) {
			if s := c.current(ev.CallID); s != nil {
				if len(s.engine.Peers()) == 0 {
					c.armConnectTimeout(ev.CallID)
				}
				if err := s.engine.Expect(ev.UserID); err != nil {
					c.log.Warn("Failed to prepare peer", zap.String("peer_id", ev.UserID.String()), zap.Error(err))
				}
			}
		}

	case protocol.TypeCallSignal:
		var ev protocol.CallSignalIn
		if c.bind(env, &ev) {
			c.onSignal(ev)
		}

	case protocol.TypeCallParticipantState:
		var ev protocol.ParticipantState
		if c.bind(env, &ev) {
			if s := c.current(ev.CallID); s != nil {
				s.media.ApplyRemote(ev)
			}
		}

	case protocol.TypeCallUserLeft:
		var ev protocol.CallUserLeft
		if c.bind(env, &ev) {
			if s := c.current(ev.CallID); s != nil {
				s.engine.Remove(ev.UserID, peer.ReasonLeft)
			}
		}

	case protocol.TypeCallEnded:
		var ev protocol.CallEnded
		if c.bind(env, &ev) {
			c.onEnded(ev)
		}

	case protocol.TypeCallInviteExpired:
		var ev protocol.CallInviteExpired
		if c.bind(env, &ev) {
			c.mu.Lock()
			delete(c.ringing, ev.CallID)
			c.mu.Unlock()
		}

	case protocol.TypeCallError:
		var ev protocol.CallError
		if c.bind(env, &ev) {
			c.log.Warn("Server rejected request", zap.String("code", ev.Code), zap.String("error", ev.Error))
		}

	default:
		c.log.Debug("Unhandled server event", zap.String("type", string(env.Type)))
	}
}

func (c *Client) bind(env *protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		c.log.Debug("Ignoring malformed event", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) onIncoming(ev protocol.CallIncoming) {
	c.mu.Lock()
	c.ringing[ev.CallID] = ev
	c.mu.Unlock()

	c.log.Info("Incoming call",
		zap.String("call_id", ev.CallID.String()),
		zap.String("from", ev.From),
		zap.String("kind", ev.Kind))

	if c.opts.AutoAccept {
		if err := c.Accept(ev.CallID); err != nil {
			c.log.Warn("Failed to accept call", zap.String("call_id", ev.CallID.String()), zap.Error(err))
		}
	}
}

func (c *Client) onExistingParticipants(ev protocol.CallExistingParticipants) {
	c.mu.Lock()
	inv := c.ringing[ev.CallID]
	c.mu.Unlock()

	isGroup := inv.IsGroup || len(ev.UserIDs) > 1
	s := c.open(ev.CallID, ev.ConversationID, isGroup, domain.ParseCallKind(inv.Kind))
	c.armConnectTimeout(ev.CallID)

	// the joiner offers to everyone already in the call
	for _, id := range ev.UserIDs {
		if id == c.opts.UserID {
			continue
		}
		if err := s.engine.Connect(id); err != nil {
			c.log.Warn("Failed to connect peer", zap.String("peer_id", id.String()), zap.Error(err))
		}
	}
}

func (c *Client) onSignal(ev protocol.CallSignalIn) {
	s := c.current(ev.CallID)
	if s == nil {
		return
	}
	var data protocol.SignalData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Debug("Ignoring unreadable signal", zap.String("peer_id", ev.FromUserID.String()), zap.Error(err))
		return
	}
	if err := s.engine.HandleSignal(ev.FromUserID, data); err != nil {
		c.log.Warn("Failed to handle signal", zap.String("peer_id", ev.FromUserID.String()), zap.Error(err))
	}
}

func (c *Client) onEnded(ev protocol.CallEnded) {
	c.mu.Lock()
	delete(c.ringing, ev.CallID)
	s := c.session
	if s == nil || s.callID != ev.CallID {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	c.log.Info("Call ended", zap.String("call_id", ev.CallID.String()), zap.String("reason", ev.Reason))
	c.teardown(s)
}
