package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	ErrClientClosed = errors.New("gateway client disconnected")
	ErrClientBusy   = errors.New("gateway client send buffer full")
)

// Client is one websocket connection. Outbound frames go through a buffered
// channel drained by writePump.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	IPAddress   string
	ConnectedAt time.Time
	RateLimiter *ClientRateLimiter

	mu            sync.Mutex
	Authenticated bool
	Challenge     string
	AuthAttempts  int
	State         ClientState
	LastActivity  time.Time

	send      chan []byte
	seq       atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn *websocket.Conn, ip string) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		IPAddress:    ip,
		ConnectedAt:  now,
		LastActivity: now,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
	}
}

// IsAuthenticated reports whether the client passed the challenge.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.Authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.LastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.LastActivity) > 5*time.Minute,
	}
}

func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// enqueue queues a frame without blocking.
func (c *Client) enqueue(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClientClosed
	default:
		return ErrClientBusy
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.State = StateDisconnected
		c.mu.Unlock()
		close(c.closed)
	})
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			c.drain()
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes frames queued before close.
func (c *Client) drain() {
	for {
		select {
		case data := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
