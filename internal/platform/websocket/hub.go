// Package websocket streams live store values to WebSocket clients. A client
// subscribes to topics, each topic being a store path, and receives the
// value at that path whenever it changes.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/store"
)

const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

// Event is one message pushed to a client.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Source is the part of the store the hub needs.
type Source interface {
	Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (func(), error)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single WebSocket connection. feeds holds the store
// subscription behind each topic the client follows.
type Client struct {
	ID   string
	Send chan []byte
	conn Conn

	feeds map[string]func()
}

// NewClient creates a client with a buffered send queue.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Send:  make(chan []byte, 64),
		conn:  conn,
		feeds: make(map[string]func()),
	}
}

// Topics returns the topics the client follows.
func (c *Client) Topics() []string {
	out := make([]string, 0, len(c.feeds))
	for t := range c.feeds {
		out = append(out, t)
	}
	return out
}

// Hub tracks clients and the store subscriptions their topics hold open.
type Hub struct {
	source Source
	logger zerolog.Logger
	// allow decides which paths may be followed. nil allows every path.
	allow func(topic string) bool

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
}

func NewHub(source Source, logger zerolog.Logger, allow func(topic string) bool) *Hub {
	return &Hub{
		source:  source,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		allow:   allow,
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.feeds == nil {
		client.feeds = make(map[string]func())
	}
	h.all[client] = struct{}{}
}

// Unregister ends every subscription of the client and closes its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic, stop := range client.feeds {
		stop()
		h.dropLocked(topic, client)
	}
	client.feeds = nil
	delete(h.all, client)
	close(client.Send)
}

// Subscribe starts following topics. Topics that are not valid paths or
// are not allowed get an error event instead.
func (h *Hub) Subscribe(client *Client, topics []string) {
	for _, raw := range topics {
		topic := store.Clean(raw)
		if err := h.check(topic); err != nil {
			h.push(client, Event{Type: EventError, Topic: raw, Timestamp: time.Now().UTC(), Error: err.Error()})
			continue
		}

		h.mu.RLock()
		_, registered := h.all[client]
		_, following := client.feeds[topic]
		h.mu.RUnlock()
		if !registered || following {
			continue
		}

		stop, err := h.source.Subscribe(context.Background(), topic, func(snap store.Snapshot) {
			h.pushSnapshot(client, topic, snap)
		})
		if err != nil {
			h.logger.Error().Err(err).Str("topic", topic).Msg("subscribe to store")
			h.push(client, Event{Type: EventError, Topic: topic, Timestamp: time.Now().UTC(), Error: "subscription failed"})
			continue
		}

		h.mu.Lock()
		_, registered = h.all[client]
		_, following = client.feeds[topic]
		if !registered || following {
			h.mu.Unlock()
			stop()
			continue
		}
		client.feeds[topic] = stop
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		h.mu.Unlock()
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, raw := range topics {
		topic := store.Clean(raw)
		stop, ok := client.feeds[topic]
		if !ok {
			continue
		}
		stop()
		delete(client.feeds, topic)
		h.dropLocked(topic, client)
	}
}

// ProcessMessage dispatches an inbound message to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients following a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[store.Clean(topic)])
}

func (h *Hub) check(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: the root cannot be followed", store.ErrInvalidPath)
	}
	if err := store.Validate(topic); err != nil {
		return err
	}
	if h.allow != nil && !h.allow(topic) {
		return fmt.Errorf("topic %q is not allowed", topic)
	}
	return nil
}

func (h *Hub) dropLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) pushSnapshot(client *Client, topic string, snap store.Snapshot) {
	data, err := json.Marshal(snap.Value)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal snapshot")
		return
	}
	h.push(client, Event{Type: EventSnapshot, Topic: topic, Timestamp: time.Now().UTC(), Data: data})
}

// push queues an event for the client. A full queue drops the event; the
// next change carries the latest value anyway.
func (h *Hub) push(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Warn().Str("client", client.ID).Str("topic", event.Topic).Msg("client queue full, event dropped")
	}
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections and pumps messages for the hub.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(&gorillaConnAdapter{ws})
	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)
	return nil
}

func (wsh *Handler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
