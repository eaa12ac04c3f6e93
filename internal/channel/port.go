package channel

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"hand-relay/internal/models"
	"hand-relay/internal/wsconn"
)

// Port is one live host channel to the relay.
type Port interface {
	Send(msg models.HostMessage) error
	// Done is closed when the relay side goes away.
	Done() <-chan struct{}
	Close() error
}

// Connector opens ports. It stands for the host runtime; a failing Connect
// means the relay process is unreachable.
type Connector interface {
	Connect(ctx context.Context) (Port, error)
}

// WSConnector reaches the relay's /channel websocket endpoint.
type WSConnector struct {
	// URL of the relay channel endpoint, e.g. ws://127.0.0.1:8080/channel.
	URL    string
	Name   string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c WSConnector) Connect(ctx context.Context) (Port, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, err
	}
	name := c.Name
	if name == "" {
		name = DefaultName
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	dialer := c.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}

	conn, err := wsconn.Dial(ctx, dialer, u.String(), nil, c.Logger)
	if err != nil {
		return nil, err
	}
	return &wsPort{conn: conn}, nil
}

type wsPort struct {
	conn *wsconn.Conn
}

func (p *wsPort) Send(msg models.HostMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.conn.Write(data)
}

func (p *wsPort) Done() <-chan struct{} { return p.conn.Done() }

func (p *wsPort) Close() error { return p.conn.Close() }
