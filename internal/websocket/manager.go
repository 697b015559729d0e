package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"diffsync-server/internal/metrics"

	"go.uber.org/zap"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager owns every open connection and the document subscriptions made
// over them. Messages are handed to the MessageHandler one at a time from
// the Run loop.
type Manager struct {
	clients        map[string]*Client
	subscriptions  map[string]map[string]*Client
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	messageHandler MessageHandler
	logger         *zap.Logger
	done           chan struct{}
}

type MessageHandler interface {
	HandleWebSocketMessage(ctx context.Context, client *Client, msg *Message) error
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients:        make(map[string]*Client),
		subscriptions:  make(map[string]map[string]*Client),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: opts.MaxMessageSize,
		logger:         logger.Named("websocket"),
		done:           make(chan struct{}),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves the register, unregister and message channels until ctx is
// done, then closes every remaining connection.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return nil

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(ctx, clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	m.clients[client.ID] = client
	metrics.Connections.WithLabelValues().Inc()

	m.logger.Debug("client registered", zap.String("connection", client.ID))
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return
	}

	delete(m.clients, client.ID)
	for documentID, subscribers := range m.subscriptions {
		for clientID, subscriber := range subscribers {
			if subscriber == client {
				delete(subscribers, clientID)
			}
		}
		if len(subscribers) == 0 {
			delete(m.subscriptions, documentID)
		}
	}

	close(client.Send)
	metrics.Connections.WithLabelValues().Dec()
	m.logger.Debug("client unregistered", zap.String("connection", client.ID))
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		delete(m.clients, id)
		close(client.Send)
		metrics.Connections.WithLabelValues().Dec()
	}
	m.subscriptions = make(map[string]map[string]*Client)
}

func (m *Manager) processMessage(ctx context.Context, clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Warn("error unmarshaling message",
			zap.String("connection", clientMsg.Client.ID),
			zap.Error(err),
		)
		m.Send(clientMsg.Client, Result{Result: "Invalid message"})
		return
	}

	metrics.Messages.WithLabelValues(string(msg.Type())).Inc()

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(ctx, clientMsg.Client, &msg); err != nil {
			m.logger.Warn("error handling message",
				zap.String("msgType", msg.MsgType),
				zap.String("document", msg.ID),
				zap.String("client", msg.ClientID),
				zap.Error(err),
			)
		}
	}
}

// Subscribe routes messages for clientID on documentID to client.
func (m *Manager) Subscribe(documentID, clientID string, client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	if m.subscriptions[documentID] == nil {
		m.subscriptions[documentID] = make(map[string]*Client)
	}
	m.subscriptions[documentID][clientID] = client
}

func (m *Manager) Unsubscribe(documentID, clientID string) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if subscribers, ok := m.subscriptions[documentID]; ok {
		delete(subscribers, clientID)
		if len(subscribers) == 0 {
			delete(m.subscriptions, documentID)
		}
	}
}

// Subscribers returns the sorted client IDs subscribed to documentID on
// this node.
func (m *Manager) Subscribers(documentID string) []string {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	ids := make([]string, 0, len(m.subscriptions[documentID]))
	for clientID := range m.subscriptions[documentID] {
		ids = append(ids, clientID)
	}
	sort.Strings(ids)
	return ids
}

// SendTo delivers message to the connection subscribed as clientID on
// documentID. It reports false when there is no such subscription.
func (m *Manager) SendTo(documentID, clientID string, message any) (bool, error) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, ok := m.subscriptions[documentID][clientID]
	if !ok {
		return false, nil
	}
	m.enqueue(client, messageBytes)
	return true, nil
}

// Send delivers message to client if it is still registered.
func (m *Manager) Send(client *Client, message any) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if _, ok := m.clients[client.ID]; !ok {
		return nil
	}
	m.enqueue(client, messageBytes)
	return nil
}

// enqueue must be called with clientsMutex held.
func (m *Manager) enqueue(client *Client, messageBytes []byte) {
	select {
	case client.Send <- messageBytes:
	default:
		m.logger.Warn("send buffer full, closing connection", zap.String("connection", client.ID))
		go m.unregisterClient(client)
	}
}

func (m *Manager) Connections() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
