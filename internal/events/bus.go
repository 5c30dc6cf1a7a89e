// Package events pushes real-time proxy activity to websocket subscribers:
// periodic monitoring snapshots, one event per completed request, and
// heuristic alerts.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	proxy "github.com/lassohq/lasso/internal"
)

// Frame is the wire envelope for every server-to-client message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame types pushed by the server.
const (
	FrameMonitoring = "monitoring-update"
	FrameRequest    = "request-event"
	FrameAlert      = "alert"
	FrameLogs       = "logs"
	FrameStats      = "stats"
)

// RequestEvent is broadcast once per completed request.
type RequestEvent struct {
	ID             string       `json:"id"`
	Provider       string       `json:"provider"`
	Endpoint       string       `json:"endpoint"`
	Action         proxy.Action `json:"action"`
	ResponseTimeMs *int64       `json:"response_time_ms,omitempty"`
	Timestamp      string       `json:"timestamp"`
}

// Alert is a heuristic warning pushed to subscribers.
type Alert struct {
	Level   string  `json:"level"`
	Message string  `json:"message"`
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
}

// LogSource answers on-demand client queries over the websocket.
type LogSource interface {
	Recent(ctx context.Context, limit int) ([]proxy.AuditRecord, error)
	ByAction(ctx context.Context, action proxy.Action, limit int) ([]proxy.AuditRecord, error)
	Stats(ctx context.Context) (proxy.AuditStats, error)
}

// client is one subscriber. Writes from the hub goroutine and from the
// client's own command loop are serialized by mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// clientCommand is the frame clients send to the server.
type clientCommand struct {
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
	Action string `json:"action"`
}

// Bus is the websocket hub. Broadcast never blocks the caller: frames are
// dropped when the hub queue is full.
type Bus struct {
	clients    map[*client]bool
	broadcast  chan Frame
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logs       LogSource
	snapshot   func(ctx context.Context) Frame
	count      atomic.Int64
	log        *slog.Logger
}

// NewBus creates the hub. snapshot assembles an on-demand monitoring frame
// for the request-update command; it may be nil until wiring completes.
func NewBus(logs LogSource, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logs: logs,
		log:  log,
	}
}

// SetSnapshotFunc wires the on-demand snapshot assembler. Must be called
// before Run.
func (b *Bus) SetSnapshotFunc(fn func(ctx context.Context) Frame) {
	b.snapshot = fn
}

// Name returns the worker identifier.
func (b *Bus) Name() string { return "event_bus" }

// ClientCount returns the number of connected subscribers.
func (b *Bus) ClientCount() int64 { return b.count.Load() }

// Run drives the hub until ctx is cancelled, then closes every connection.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case c := <-b.register:
			b.clients[c] = true
			b.count.Store(int64(len(b.clients)))
			b.log.Debug("event subscriber connected", "total", len(b.clients))

		case c := <-b.unregister:
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				c.conn.Close()
			}
			b.count.Store(int64(len(b.clients)))
			b.log.Debug("event subscriber disconnected", "total", len(b.clients))

		case f := <-b.broadcast:
			for c := range b.clients {
				if err := c.send(f); err != nil {
					c.conn.Close()
					delete(b.clients, c)
				}
			}
			b.count.Store(int64(len(b.clients)))

		case <-ctx.Done():
			for c := range b.clients {
				c.conn.Close()
				delete(b.clients, c)
			}
			b.count.Store(0)
			return nil
		}
	}
}

// Broadcast queues a frame for every subscriber. Drops when the hub is
// saturated rather than stalling the request path.
func (b *Bus) Broadcast(f Frame) {
	select {
	case b.broadcast <- f:
	default:
		b.log.Warn("event frame dropped, hub queue full", "type", f.Type)
	}
}

// BroadcastRequest pushes a request-event frame for a completed request.
func (b *Bus) BroadcastRequest(r proxy.AuditRecord) {
	b.Broadcast(Frame{Type: FrameRequest, Data: RequestEvent{
		ID:             r.ID,
		Provider:       r.Provider,
		Endpoint:       r.Endpoint,
		Action:         r.Action,
		ResponseTimeMs: r.ResponseTimeMs,
		Timestamp:      r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}})
}

// BroadcastAlert pushes an alert frame.
func (b *Bus) BroadcastAlert(a Alert) {
	b.Broadcast(Frame{Type: FrameAlert, Data: a})
}

// HandleWS upgrades the connection and serves the client command loop.
func (b *Bus) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}
	b.register <- c

	// The upgrade request's context dies when this handler returns, so
	// commands run under a context scoped to the connection instead.
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer func() { b.unregister <- c }()
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			b.handleCommand(ctx, c, cmd)
		}
	}()
}

func (b *Bus) handleCommand(ctx context.Context, c *client, cmd clientCommand) {
	switch cmd.Type {
	case "request-update":
		if b.snapshot != nil {
			c.send(b.snapshot(ctx))
		}

	case "get-logs":
		limit := cmd.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var (
			records []proxy.AuditRecord
			err     error
		)
		if action := proxy.ParseAction(cmd.Action); action != "" {
			records, err = b.logs.ByAction(ctx, action, limit)
		} else {
			records, err = b.logs.Recent(ctx, limit)
		}
		if err != nil {
			b.log.Warn("log query over websocket failed", "error", err)
			return
		}
		c.send(Frame{Type: FrameLogs, Data: records})

	case "get-stats":
		stats, err := b.logs.Stats(ctx)
		if err != nil {
			b.log.Warn("stats query over websocket failed", "error", err)
			return
		}
		c.send(Frame{Type: FrameStats, Data: stats})
	}
}
