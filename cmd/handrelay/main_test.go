package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"hand-relay/internal/channel"
	"hand-relay/internal/config"
	"hand-relay/internal/models"
	"hand-relay/internal/observer"
	"hand-relay/internal/store"
)

func TestRelayApp_GraphIsComplete(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.StoreDriver = store.DriverMemory

	err = fx.ValidateApp(
		fx.Supply(cfg, slog.Default()),
		relayModule,
	)
	assert.NoError(t, err)
}

type channelRecorder struct {
	mu   sync.Mutex
	msgs []models.HostMessage
}

func (r *channelRecorder) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg models.HostMessage
			if assert.NoError(t, json.Unmarshal(data, &msg)) {
				r.mu.Lock()
				r.msgs = append(r.msgs, msg)
				r.mu.Unlock()
			}
		}
	}
}

func (r *channelRecorder) timestamps(t *testing.T) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.msgs))
	for _, msg := range r.msgs {
		ev, err := msg.Event()
		require.NoError(t, err)
		out = append(out, ev.Timestamp)
	}
	return out
}

func TestProduce_SendsGatedHands(t *testing.T) {
	rec := &channelRecorder{}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	input := strings.Join([]string{
		`{"url":"https://host/games/r1","timestamp":1,"value1":"A","suit1":"s","value2":"K","suit2":"s"}`,
		`{"url":"https://host/games/r1","timestamp":2,"value1":"A","suit1":"s","value2":"K","suit2":"s"}`,
		`not json`,
		`{"url":"https://host/games/r1","timestamp":3,"value1":"A","suit1":"s","value2":""}`,
		``,
		`{"url":"https://host/games/r1","timestamp":4,"value1":"7","suit1":"c","value2":"2","suit2":"d"}`,
	}, "\n")

	manager := channel.NewManager(channel.WSConnector{URL: "ws" + strings.TrimPrefix(ts.URL, "http")})
	gate := observer.NewGate(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, produce(ctx, strings.NewReader(input), manager, gate, time.Second, slog.Default()))

	require.Eventually(t, func() bool { return len(rec.timestamps(t)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 4}, rec.timestamps(t))
}

func TestProduce_GivesUpDrainingAfterTimeout(t *testing.T) {
	manager := channel.NewManager(channel.WSConnector{URL: "ws://127.0.0.1:1/channel"})
	gate := observer.NewGate(nil, nil)

	input := `{"url":"https://host/games/r1","timestamp":1,"value1":"A","suit1":"s","value2":"K","suit2":"s"}`

	start := time.Now()
	err := produce(context.Background(), strings.NewReader(input), manager, gate, 300*time.Millisecond, slog.Default())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestApp_HasCommands(t *testing.T) {
	app := newApp()
	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{"relay", "produce", "hubstub"}, names)
}

func TestProduce_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("RELAY_URL", "/channel")

	err := newApp().Run([]string{ServiceName, "produce"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
