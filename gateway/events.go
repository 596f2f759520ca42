package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boyuan99/three-maze-sub000/errors"
)

const (
	writeTimeout   = 5 * time.Second
	clientBuffer   = 64
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// EventBridge mirrors rig events to WebSocket clients, for dashboards
// and debugging tools that do not speak NATS. Slow clients are dropped
// rather than allowed to stall the fan-out.
type EventBridge struct {
	port   int
	logger *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*bridgeClient]struct{}
}

type bridgeClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventBridge creates a bridge listening on the given port.
func NewEventBridge(port int, logger *slog.Logger) *EventBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBridge{
		port:   port,
		logger: logger.With("component", "event-bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bridge binds to localhost for the renderer; origin
			// checks are not meaningful there
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*bridgeClient]struct{}),
	}
}

// Start begins accepting WebSocket connections on /events.
func (b *EventBridge) Start(context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.handleConnect)

	b.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", b.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("event bridge server failed", "error", err)
		}
	}()

	b.logger.Info("event bridge listening", "addr", b.server.Addr)
	return nil
}

func (b *EventBridge) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &bridgeClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("event client connected", "remote", conn.RemoteAddr(), "clients", count)

	go b.writePump(client)
	go b.readPump(client)
}

// writePump drains the client's send channel.
func (b *EventBridge) writePump(c *bridgeClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, okCh := <-c.send:
			if !okCh {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound messages and detects disconnects.
func (b *EventBridge) readPump(c *bridgeClient) {
	defer b.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *EventBridge) drop(c *bridgeClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, live := b.clients[c]; live {
		delete(b.clients, c)
		close(c.send)
	}
}

// Broadcast fans one encoded event out to every client. A client whose
// buffer is full is dropped.
func (b *EventBridge) Broadcast(data []byte) {
	b.mu.Lock()
	var stale []*bridgeClient
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()

	for _, c := range stale {
		b.logger.Warn("dropping slow event client", "remote", c.conn.RemoteAddr())
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (b *EventBridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Stop closes all clients and the HTTP listener.
func (b *EventBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	for c := range b.clients {
		close(c.send)
		delete(b.clients, c)
	}
	b.mu.Unlock()

	if b.server == nil {
		return nil
	}
	if err := b.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "EventBridge", "Stop", "server shutdown")
	}
	b.logger.Info("event bridge stopped")
	return nil
}
