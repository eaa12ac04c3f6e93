package hub

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	"hand-relay/internal/wsconn"
)

// Conn is one live hub socket.
type Conn interface {
	Write(data []byte) error
	// Done is closed when the socket closes or errors.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens hub sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials the hub over gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, err := wsconn.Dial(ctx, d.Dialer, url, nil, d.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
