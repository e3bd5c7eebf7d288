package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"convosync/internal/events"
	"convosync/internal/presence"
	"convosync/internal/subscription"
	convosync_errors "convosync/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgTypingStart = "typing:start"
	MsgTypingStop  = "typing:stop"
	MsgRead        = "read"
	MsgPing        = "ping"
)

// Server frame types.
const (
	FrameChange       = "change"
	FrameResync       = "resync"
	FrameTyping       = "typing"
	FramePresence     = "presence"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
	FramePong         = "pong"
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Per-minute budgets for client messages.
var rateLimits = map[string]int{
	MsgSubscribe:   60,
	MsgUnsubscribe: 60,
	MsgTypingStart: 60,
	MsgTypingStop:  60,
	MsgRead:        120,
	MsgPing:        60,
}

// ClientMessage is a request from the socket.
type ClientMessage struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// Frame is pushed to the socket.
type Frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Change         *events.Change `json:"change,omitempty"`
	UserIDs        []string       `json:"user_ids,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Online         *bool          `json:"online,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Client is one socket. It follows the conversations of its user through a
// subscription manager and relays typing and presence from its own
// broadcaster.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	userID       string
	clientID     string
	connectedAt  time.Time
	lastActivity atomic.Int64

	subs       *subscription.Manager
	presence   *presence.Broadcaster
	stopWatch  func()
	watchDone  chan struct{}
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mu       sync.Mutex
	followed map[string]*conversationFeed
}

// conversationFeed forwards one conversation's changes to the socket.
type conversationFeed struct {
	client         *Client
	conversationID string
}

func (f *conversationFeed) HandleChange(_ context.Context, ch events.Change) {
	f.client.push(Frame{Type: FrameChange, ConversationID: ch.ConversationID, Change: &ch})
}

// Reconcile tells the socket to refetch after the subscription was restored.
func (f *conversationFeed) Reconcile(context.Context) error {
	f.client.push(Frame{Type: FrameResync, ConversationID: f.conversationID})
	return nil
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	opts := []presence.Option{presence.WithLogger(hub.deps.Logger)}
	if hub.deps.Presence != nil {
		opts = append(opts, presence.WithStore(hub.deps.Presence))
	}
	subOpts := []subscription.Option{subscription.WithLogger(hub.deps.Logger)}
	if r, ok := hub.metrics.(subscription.Recorder); ok {
		subOpts = append(subOpts, subscription.WithRecorder(r))
	}

	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		userID:      userID,
		clientID:    uuid.NewString(),
		connectedAt: time.Now(),
		subs:        subscription.NewManager(hub.deps.Feed, subOpts...),
		presence:    presence.New(userID, hub.deps.Bus, opts...),
		watchDone:   make(chan struct{}),
		limiters:    make(map[string]*rate.Limiter),
		followed:    make(map[string]*conversationFeed),
	}
	c.lastActivity.Store(c.connectedAt.UnixNano())

	changes, stop := c.presence.Watch()
	c.stopWatch = stop
	go c.watchPresence(changes)
	return c
}

// open follows every conversation the user belongs to.
func (c *Client) open(ctx context.Context) {
	if c.hub.deps.Conversations == nil {
		return
	}
	convs, err := c.hub.deps.Conversations.ListUserConversations(ctx, c.userID)
	if err != nil {
		c.hub.logger.Error("list conversations", c.userID, c.clientID, err)
		return
	}
	for _, conv := range convs {
		if err := c.follow(ctx, conv.ID); err != nil {
			c.hub.logger.Warn("follow conversation", c.userID, c.clientID,
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
}

func (c *Client) follow(ctx context.Context, conversationID string) error {
	if err := c.hub.deps.Access.CanViewConversation(ctx, c.userID, conversationID); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.followed[conversationID]; ok {
		c.mu.Unlock()
		c.push(Frame{Type: FrameSubscribed, ConversationID: conversationID})
		return nil
	}
	feed := &conversationFeed{client: c, conversationID: conversationID}
	c.followed[conversationID] = feed
	c.mu.Unlock()

	if err := c.subs.Register(ctx, conversationID, feed); err != nil {
		c.mu.Lock()
		delete(c.followed, conversationID)
		c.mu.Unlock()
		return err
	}
	if err := c.presence.Join(ctx, conversationID); err != nil {
		c.hub.logger.Warn("join presence", c.userID, c.clientID,
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	c.push(Frame{Type: FrameSubscribed, ConversationID: conversationID})
	return nil
}

func (c *Client) unfollow(conversationID string) {
	c.mu.Lock()
	feed, ok := c.followed[conversationID]
	delete(c.followed, conversationID)
	c.mu.Unlock()
	if ok {
		c.subs.Unregister(conversationID, feed)
		c.presence.Leave(conversationID)
	}
	c.push(Frame{Type: FrameUnsubscribed, ConversationID: conversationID})
}

func (c *Client) following(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.followed[conversationID]
	return ok
}

func (c *Client) watchPresence(ch <-chan presence.Event) {
	defer close(c.watchDone)
	for ev := range ch {
		switch ev.Kind {
		case presence.EventTyping:
			c.push(Frame{
				Type:           FrameTyping,
				ConversationID: ev.ConversationID,
				UserIDs:        c.presence.TypingUsers(ev.ConversationID),
			})
		case presence.EventPresence:
			online := ev.Online
			c.push(Frame{Type: FramePresence, ConversationID: ev.ConversationID, UserID: ev.UserID, Online: &online})
		}
	}
}

// push queues a frame without blocking. A full buffer drops the frame.
func (c *Client) push(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.hub.logger.Error("marshal frame", c.userID, c.clientID, err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		c.hub.metrics.WSEvent(f.Type)
	case <-c.done:
	default:
		c.hub.logger.Warn("client send buffer full", c.userID, c.clientID, zap.String("frame", f.Type))
	}
}

func (c *Client) allow(msgType string) bool {
	perMinute, ok := rateLimits[msgType]
	if !ok {
		return true
	}
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	l, ok := c.limiters[msgType]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		c.limiters[msgType] = l
	}
	return l.Allow()
}

func (c *Client) readPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastActivity.Store(time.Now().UnixNano())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket unexpected close", c.userID, c.clientID, err)
			}
			return
		}

		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		c.lastActivity.Store(time.Now().UnixNano())

		if err := c.handleMessage(message); err != nil {
			c.push(Frame{Type: FrameError, Error: errorCode(err)})
		}
	}
}

var errUnknownMessage = errors.New("unknown message type")

func (c *Client) handleMessage(raw []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return convosync_errors.ErrInvalidInput
	}

	if !c.allow(msg.Type) {
		c.hub.logger.Warn("rate limit exceeded", c.userID, c.clientID, zap.String("msg_type", msg.Type))
		return convosync_errors.ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch msg.Type {
	case MsgSubscribe:
		return c.follow(ctx, msg.ConversationID)
	case MsgUnsubscribe:
		c.unfollow(msg.ConversationID)
		return nil
	case MsgTypingStart, MsgTypingStop:
		if !c.following(msg.ConversationID) {
			return convosync_errors.ErrForbidden
		}
		c.presence.Typing(ctx, msg.ConversationID, msg.Type == MsgTypingStart)
		return nil
	case MsgRead:
		if c.hub.deps.Reads == nil {
			return nil
		}
		_, err := c.hub.deps.Reads.MarkRead(ctx, c.userID, msg.ConversationID, msg.MessageIDs)
		return err
	case MsgPing:
		c.push(Frame{Type: FramePong})
		return nil
	default:
		return errUnknownMessage
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, convosync_errors.ErrInvalidInput):
		return "invalid_message"
	case errors.Is(err, convosync_errors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, convosync_errors.ErrForbidden):
		return "forbidden"
	case errors.Is(err, convosync_errors.ErrNotFound):
		return "not_found"
	case errors.Is(err, errUnknownMessage):
		return "unknown_type"
	default:
		return "internal"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if time.Since(time.Unix(0, c.lastActivity.Load())) > pongWait*2 {
				c.hub.logger.Info("client idle timeout", c.userID, c.clientID)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close releases the socket's subscriptions. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.subs.Close()
		c.presence.Close()
		c.stopWatch()
		<-c.watchDone
		_ = c.conn.Close()
	})
}
