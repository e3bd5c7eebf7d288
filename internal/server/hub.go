package server

import (
	"context"
	"sync"
	"time"

	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/events"
	"convosync/internal/presence"
	"convosync/internal/proxy"
	"convosync/internal/subscription"
	"convosync/pkg/logger"

	"golang.org/x/time/rate"
)

const maxConnectionsPerUser = 10

// Recorder observes socket traffic. Implemented by the metrics package.
type Recorder interface {
	WSConnected()
	WSDisconnected()
	WSEvent(event string)
}

type nopRecorder struct{}

func (nopRecorder) WSConnected()    {}
func (nopRecorder) WSDisconnected() {}
func (nopRecorder) WSEvent(string)  {}

// ConversationLister lists the conversations a socket follows on connect.
type ConversationLister interface {
	ListUserConversations(ctx context.Context, userID string) ([]conversation.Conversation, error)
}

// ReadMarker records read receipts sent over the socket.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, conversationID string, messageIDs []string) ([]message.ReadMarker, error)
}

// HubDeps wires a Hub. Feed, Bus, Access and Conversations are required.
type HubDeps struct {
	Feed          subscription.Source
	Bus           events.Bus
	Access        *proxy.AccessControl
	Conversations ConversationLister
	Reads         ReadMarker
	Presence      presence.Store
	Metrics       Recorder
	Logger        *logger.Logger
}

// Hub tracks the sockets of every connected user. Each socket carries its own
// change-feed subscriptions and presence broadcaster; the hub only decides
// when a user comes online or goes offline.
type Hub struct {
	deps    HubDeps
	logger  *WebSocketLogger
	metrics Recorder

	mu         sync.RWMutex
	clients    map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client
	stopChan   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHub(deps HubDeps) *Hub {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Hub{
		deps:       deps,
		logger:     NewWebSocketLogger(deps.Logger),
		metrics:    metrics,
		clients:    make(map[string]map[string]*Client),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// AllowConnection admits ten connections per user per minute.
func (h *Hub) AllowConnection(userID string) bool {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	l, ok := h.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(6*time.Second), maxConnectionsPerUser)
		h.limiters[userID] = l
	}
	return l.Allow()
}

// Run serves register and unregister requests until Stop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		case <-h.stopChan:
			h.mu.Lock()
			for _, userClients := range h.clients {
				for _, client := range userClients {
					client.close()
					h.metrics.WSDisconnected()
				}
			}
			h.clients = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients := h.clients[client.userID]
	if userClients == nil {
		userClients = make(map[string]*Client)
		h.clients[client.userID] = userClients
	}

	if len(userClients) >= maxConnectionsPerUser {
		var oldest *Client
		for _, c := range userClients {
			if oldest == nil || c.connectedAt.Before(oldest.connectedAt) {
				oldest = c
			}
		}
		h.logger.Warn("max connections per user reached", client.userID, oldest.clientID)
		delete(userClients, oldest.clientID)
		oldest.close()
		h.metrics.WSDisconnected()
	}

	first := len(userClients) == 0
	userClients[client.clientID] = client
	h.metrics.WSConnected()
	if first {
		client.presence.SetOnline(context.Background())
	}
	h.logger.Info("client connected", client.userID, client.clientID)
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.userID]
	if !ok {
		client.close()
		return
	}
	if _, ok := userClients[client.clientID]; !ok {
		client.close()
		return
	}
	delete(userClients, client.clientID)
	if len(userClients) == 0 {
		delete(h.clients, client.userID)
		client.presence.SetOffline(context.Background())
	}
	client.close()
	h.metrics.WSDisconnected()
	h.logger.Info("client disconnected", client.userID, client.clientID)
}

// Connections counts the open sockets of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopChan:
		client.close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopChan:
	}
}

// Stop closes every client and waits for Run to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	<-h.done
}
