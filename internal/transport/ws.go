package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultReconnectDelay is the fixed backoff before re-dialing a dropped
// WebSocket while the session is still active.
const DefaultReconnectDelay = 5 * time.Second

// ErrNotConnected is returned by SendBatch while the socket is down; the
// caller should fall back to HTTP or re-queue.
var ErrNotConnected = errors.New("websocket not connected")

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// URL is the full endpoint including the session path, e.g.
	// ws://collector/ws/{sessionID}.
	URL            string
	ReconnectDelay time.Duration

	OnRisk    func(RiskUpdate) // server-pushed risk recomputations
	OnWarning func(string)     // server-pushed operator warnings
	OnError   func(error)      // transport-level diagnostics
}

// WSClient is the preferred event transport: a persistent duplex socket with
// fixed-backoff reconnect. Server pushes are surfaced through the callbacks.
type WSClient struct {
	cfg WSConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	active  bool
	retryAt *time.Timer
}

// NewWSClient creates the client without dialing.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &WSClient{cfg: cfg}
}

// Connect dials the collector and starts the read loop. The client stays
// active until Close: later disconnects trigger delayed reconnects.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.active = true
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Connected reports whether the socket is currently usable.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendBatch implements Client. Risk updates arrive asynchronously through
// OnRisk rather than on the send path.
func (c *WSClient) SendBatch(ctx context.Context, batch Batch) (*RiskUpdate, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Batch
	}{Type: "events", Batch: batch})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.handleDisconnect(conn, err)
		return nil, fmt.Errorf("write batch: %w", err)
	}
	return nil, nil
}

// Close stops reconnect attempts and closes the socket. Idempotent.
func (c *WSClient) Close() error {
	c.mu.Lock()
	c.active = false
	if c.retryAt != nil {
		c.retryAt.Stop()
		c.retryAt = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

type serverMessage struct {
	Type      string `json:"type"`
	RiskScore int    `json:"riskScore"`
	RiskLevel string `json:"riskLevel"`
	Message   string `json:"message"`
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed server message: log and discard.
			slog.Debug("Discarding malformed server message", "error", err)
			continue
		}

		switch msg.Type {
		case "risk_update":
			if c.cfg.OnRisk != nil {
				c.cfg.OnRisk(RiskUpdate{Score: msg.RiskScore, Level: msg.RiskLevel})
			}
		case "warning":
			if c.cfg.OnWarning != nil {
				c.cfg.OnWarning(msg.Message)
			}
		case "ping":
			if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"pong"}`)); err != nil {
				slog.Debug("Failed to answer ping", "error", err)
			}
		}
	}
}

// handleDisconnect clears the dead connection and, while the session is
// still active, schedules a reconnect after the fixed backoff.
func (c *WSClient) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	active := c.active
	if active && c.retryAt == nil {
		c.retryAt = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
	}
	c.mu.Unlock()

	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		return
	}
	if active {
		slog.Warn("WebSocket disconnected, will reconnect", "error", cause)
		if c.cfg.OnError != nil {
			c.cfg.OnError(cause)
		}
	}
}

func (c *WSClient) reconnect() {
	c.mu.Lock()
	c.retryAt = nil
	if !c.active || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		slog.Debug("WebSocket reconnect failed", "error", err)
		c.mu.Lock()
		if c.active && c.retryAt == nil {
			c.retryAt = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		return
	}
	c.conn = conn
	c.mu.Unlock()

	slog.Info("WebSocket reconnected")
	go c.readLoop(conn)
}
