package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/session"
)

// Handler consumes inbound frames. The dispatcher implements it.
type Handler interface {
	// HandleFrame processes one inbound frame. It is called from the
	// connection's read loop; long work must be handed off.
	HandleFrame(c *Conn, raw []byte)

	// ConnClosed fires exactly once when the connection dies, after the
	// last HandleFrame call has been made.
	ConnClosed(c *Conn)
}

const maxFrameSize = 16 << 20 // uploads go through the sidecar, not frames

// Conn is one websocket connection and its outbound queue. Writes are
// serialized through the queue; a client that cannot keep up is closed
// rather than allowed to stall the daemon.
type Conn struct {
	ID      string
	Kind    cnst.TransportKind
	Session *session.Session

	ws     *websocket.Conn
	out    chan []byte
	logger *zap.Logger

	pingInterval time.Duration
	idleTimeout  time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	shook    bool // connect handshake completed
	closeErr *errorx.CallError
}

func newConn(id string, kind cnst.TransportKind, ws *websocket.Conn, sess *session.Session, logger *zap.Logger, queueSize int, pingInterval, idleTimeout time.Duration) *Conn {
	return &Conn{
		ID:           id,
		Kind:         kind,
		Session:      sess,
		ws:           ws,
		out:          make(chan []byte, queueSize),
		logger:       logger,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		closed:       make(chan struct{}),
	}
}

// Handshaken reports whether the connect handshake has completed.
func (c *Conn) Handshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shook
}

// MarkHandshaken records a successful connect exchange.
func (c *Conn) MarkHandshaken() {
	c.mu.Lock()
	c.shook = true
	c.mu.Unlock()
}

// Send queues an encoded frame. A full queue closes the connection: the
// protocol has no per-connection drop mode.
func (c *Conn) Send(f *Frame) {
	data, err := f.Encode()
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("msg", f.Msg), zap.Error(err))
		return
	}
	select {
	case c.out <- data:
	case <-c.closed:
	default:
		c.logger.Warn("outbound queue full, closing connection",
			zap.String("conn_id", c.ID))
		c.CloseWithError(errorx.New(errorx.TypeOverflow, "outbound queue overflow"))
	}
}

// CloseWithError tears the connection down at most once.
func (c *Conn) CloseWithError(callErr *errorx.CallError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = callErr
		c.mu.Unlock()
		close(c.closed)
	})
}

// Close tears the connection down without a protocol error.
func (c *Conn) Close() { c.CloseWithError(nil) }

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// CloseError returns the protocol error the connection was closed with,
// if any.
func (c *Conn) CloseError() *errorx.CallError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// serve runs the read and write pumps until either exits, then notifies
// the handler. It blocks for the lifetime of the connection.
func (c *Conn) serve(h Handler) {
	go c.writePump()
	c.readPump(h)
	h.ConnClosed(c)
	_ = c.ws.Close()
}

func (c *Conn) readPump(h Handler) {
	c.ws.SetReadLimit(maxFrameSize)
	resetDeadline := func() {
		if c.idleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
	}
	resetDeadline()
	c.ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read error",
					zap.String("conn_id", c.ID), zap.Error(err))
			}
			c.Close()
			return
		}
		resetDeadline()
		h.HandleFrame(c, raw)

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *Conn) writePump() {
	interval := c.pingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			// Drain what fits in one last pass so result frames queued
			// just before close still reach the peer.
			for {
				select {
				case data := <-c.out:
					_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
					if c.ws.WriteMessage(websocket.TextMessage, data) != nil {
						return
					}
				default:
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
