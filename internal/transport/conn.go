package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message or control frame to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn is one registered websocket connection. The underlying socket handle
// is owned by the server registry for the lifetime of the entry.
type Conn struct {
	ID string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	isAlive       bool
	lastHeartbeat time.Time

	// Optional inbound frame throttle; nil disables it.
	limiter *rate.Limiter
}

func newConn(id string, ws *websocket.Conn, framesPerSec float64) *Conn {
	c := &Conn{
		ID:            id,
		ws:            ws,
		isAlive:       true,
		lastHeartbeat: time.Now(),
	}
	if framesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(framesPerSec), int(framesPerSec)+1)
	}
	return c
}

// write sends a data frame, serializing writers.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ping sends a control ping frame.
func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// markAlive records a pong.
func (c *Conn) markAlive() {
	c.mu.Lock()
	c.isAlive = true
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// checkAndClear reports liveness and clears the flag for the next tick.
func (c *Conn) checkAndClear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.isAlive
	c.isAlive = false
	return alive
}

// LastHeartbeat returns the time of the most recent pong.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// allowFrame applies the inbound throttle.
func (c *Conn) allowFrame() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Conn) close() {
	_ = c.ws.Close()
}
