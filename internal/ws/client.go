package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabletide/relay/internal/events"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pingPeriod is how often protocol-level pings are sent.
	pingPeriod = 25 * time.Second
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
)

// controlMessage is the JSON envelope clients send upstream. Heartbeats are
// for clients that cannot rely on protocol-level pong; re-subscribe lets a
// device move between branches without reconnecting. A connection can never
// subscribe outside its own tenant or role group.
type controlMessage struct {
	Action   string `json:"action"` // "heartbeat" | "resubscribe"
	BranchID string `json:"branch_id,omitempty"`
}

// Client represents a single live WebSocket connection and its identity.
// Identity fields are fixed at handshake; the channel set is derived from
// them and changes only on explicit re-subscribe.
type Client struct {
	ID        string
	TenantID  string
	BranchID  string
	Role      events.Role
	UserID    string
	SessionID string

	chanMu   sync.RWMutex
	channels []string

	conn *websocket.Conn

	// sendMu serializes trySend against closeSend so a disconnect racing a
	// fan-out can never send on the closed channel.
	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	lastBeat atomic.Int64 // unix nanos
	seq      atomic.Uint64
	hub      *Hub
}

// NewClient creates a Client for an upgraded connection. The caller still
// has to Register it with the hub.
func NewClient(hub *Hub, conn *websocket.Conn, tenantID, branchID string, role events.Role, userID, sessionID string) *Client {
	c := &Client{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		BranchID:  branchID,
		Role:      role,
		UserID:    userID,
		SessionID: sessionID,
		channels:  events.SubscriptionSet(tenantID, branchID, role, userID, sessionID),
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       hub,
	}
	c.lastBeat.Store(time.Now().UnixNano())
	return c
}

// Channels returns a copy of the client's current channel set.
func (c *Client) Channels() []string {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	return append([]string(nil), c.channels...)
}

func (c *Client) matchesAny(targets []string) bool {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	for _, sub := range c.channels {
		for _, target := range targets {
			if events.MatchChannel(sub, target) {
				return true
			}
		}
	}
	return false
}

// Seq returns the number of messages enqueued to this connection.
func (c *Client) Seq() uint64 { return c.seq.Load() }

func (c *Client) touch() { c.lastBeat.Store(time.Now().UnixNano()) }

func (c *Client) lastHeartbeat() time.Time { return time.Unix(0, c.lastBeat.Load()) }

// trySend enqueues a payload without blocking. A full buffer or an already
// closed connection counts as a delivery failure.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		c.seq.Add(1)
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Client) closeTransport() {
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
	}
}

// ReadPump pumps control messages from the WebSocket connection. It runs in
// its own goroutine per client; returning unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeTransport()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	readWait := time.Duration(c.hub.cfg.MissedHeartbeats) * c.hub.cfg.HeartbeatInterval
	c.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: client %s read error: %v", c.ID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			log.Printf("ws: client %s sent invalid control message: %v", c.ID, err)
			continue
		}

		switch cm.Action {
		case "heartbeat":
			c.touch()
		case "resubscribe":
			c.resubscribe(cm.BranchID)
		default:
			log.Printf("ws: client %s unknown action %q", c.ID, cm.Action)
		}
	}
}

// resubscribe re-derives the channel set for a new branch binding. Tenant
// and role are fixed for the connection's lifetime.
func (c *Client) resubscribe(branchID string) {
	c.chanMu.Lock()
	c.BranchID = branchID
	c.channels = events.SubscriptionSet(c.TenantID, branchID, c.Role, c.UserID, c.SessionID)
	c.chanMu.Unlock()
	c.touch()
	log.Printf("ws: client %s re-subscribed (branch=%s)", c.ID, branchID)
}

// WritePump pumps payloads from the send channel to the WebSocket
// connection. It runs in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
