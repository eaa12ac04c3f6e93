// Package wsconn wraps an outbound gorilla websocket connection for
// one-way JSON traffic: the owner writes frames, a background reader
// answers control frames and reports when the peer goes away.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var ErrClosed = errors.New("websocket connection closed")

// Conn is safe for one writer plus concurrent Close.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// Dial opens url and starts the read and ping pumps. The HTTP status of a
// rejected handshake is included in the error.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, logger *slog.Logger) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return Wrap(ws, logger), nil
}

// HandshakeError is returned when the server answered the upgrade request
// with a non-101 status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Wrap takes ownership of an established connection.
func Wrap(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

// Write sends one text frame.
func (c *Conn) Write(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Done is closed once the connection is unusable, whichever side ended it.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = c.ws.Close()
		c.markDone()
	})
	return err
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump drains inbound frames so control frames get processed and a
// remote close is noticed.
func (c *Conn) readPump() {
	defer c.markDone()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("[WS] Unexpected close", "error", err)
			}
			return
		}
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("[WS] Failed to send ping", "error", err)
				c.ws.Close()
				return
			}
		}
	}
}
