// Package websocket pushes order lifecycle events to subscribed clients. Clients
// subscribe to topics such as "Patient/<id>"; the "*" topic receives every event.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AllTopics receives every published event.
const AllTopics = "*"

// Event is a notification sent to WebSocket clients.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics map[string]struct{}
	Send   chan []byte
}

func NewClient(buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Topics: make(map[string]struct{}),
		Send:   make(chan []byte, buffer),
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

// Unregister removes the client everywhere and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
	client.Topics[topic] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(client.Topics, topic)
}

// validTopic accepts "*" and "<ResourceType>/<id>".
func validTopic(topic string) bool {
	if topic == AllTopics {
		return true
	}
	kind, id, ok := strings.Cut(topic, "/")
	return ok && kind != "" && id != "" && !strings.Contains(id, "/")
}

func (h *Hub) Subscribe(client *Client, topics []string) error {
	for _, t := range topics {
		if !validTopic(t) {
			return fmt.Errorf("invalid topic %q", t)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.addLocked(client, t)
	}
	return nil
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.removeLocked(client, t)
	}
}

// ProcessMessage applies a client request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) error {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
		return nil
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// Broadcast sends event to subscribers of topic and of "*". Each client gets
// it once; slow clients with a full buffer miss it.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Client]struct{})
	for _, t := range []string{topic, AllTopics} {
		for client := range h.clients[t] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.dropped++
				h.logger.Warn().Str("client_id", client.ID).Str("event", event.Type).Msg("client buffer full; event dropped")
			}
		}
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// WebSocketHandler upgrades HTTP connections and routes client messages.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler binds a handler to hub. An empty allowedOrigins list
// accepts any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHandler{
		hub:    hub,
		logger: logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 || origins["*"] {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes it to the topics named
// in the "topic" query parameters.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	initial := c.QueryParams()["topic"]
	for _, t := range initial {
		if !validTopic(t) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid topic %q", t))
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := NewClient(sendBuffer)
	for _, t := range initial {
		client.Topics[t] = struct{}{}
	}
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client_id", client.ID).Strs("topics", initial).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("websocket client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.reply(client, errorFrame{Type: "error", Error: "malformed message"})
			continue
		}
		if err := wsh.hub.ProcessMessage(client, msg); err != nil {
			wsh.reply(client, errorFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (wsh *WebSocketHandler) reply(client *Client, frame errorFrame) {
	data, _ := json.Marshal(frame)
	wsh.hub.mu.RLock()
	defer wsh.hub.mu.RUnlock()
	if _, ok := wsh.hub.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
