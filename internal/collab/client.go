package collab

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/knowhub/collab/internal/auth"
	"github.com/knowhub/collab/internal/ratelimit"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 64 * 1024
	sendBufferSize  = 256
	framesPerSecond = 20
	frameBurst      = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conn is one admitted transport connection with its bound identity.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	id       string
	identity auth.Identity
	limiter  *ratelimit.Limiter
	log      *zap.Logger

	sendMu sync.Mutex
	closed bool
	send   chan []byte

	closeOnce sync.Once

	// rooms this connection is a member of; guarded by hub.mu.
	rooms map[int64]struct{}
}

func newConn(hub *Hub, ws *websocket.Conn, identity auth.Identity, log *zap.Logger) *Conn {
	return &Conn{
		hub:      hub,
		ws:       ws,
		id:       uuid.NewString(),
		identity: identity,
		limiter:  ratelimit.NewLimiter(framesPerSecond, frameBurst),
		log:      log,
		send:     make(chan []byte, sendBufferSize),
		rooms:    make(map[int64]struct{}),
	}
}

// trySend queues a frame without blocking. Returns false when the
// connection is shut down or its buffer is full.
func (c *Conn) trySend(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once, ending the write pump.
func (c *Conn) shutdown() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// closeTransport tears down the underlying socket; the read pump then
// unwinds through Unregister. Safe to call repeatedly.
func (c *Conn) closeTransport() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// ServeWS upgrades the request and admits the connection. A request
// with no resolvable identity is refused with a policy-violation close
// before any frame is read.
func ServeWS(hub *Hub, resolver *auth.Resolver, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, authErr := resolver.FromRequest(r)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}

		if authErr != nil {
			log.Warn("connection refused", zap.String("remote", r.RemoteAddr), zap.Error(authErr))
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
			ws.WriteControl(websocket.CloseMessage, msg, deadline)
			ws.Close()
			return
		}

		c := newConn(hub, ws, identity, log)
		hub.Register(c)

		go c.writePump()
		go c.readPump()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeTransport()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	dropped := 0

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			dropped++
			if dropped%100 == 1 {
				c.log.Warn("rate limit exceeded",
					zap.String("conn", c.id),
					zap.Int64("userId", c.identity.UserID),
					zap.Int("dropped", dropped))
			}
			if dropped > 1000 {
				c.log.Warn("disconnecting flooding connection", zap.String("conn", c.id))
				return
			}
			continue
		}

		c.hub.HandleFrame(c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
