// Package observer is the producer-side boundary: it turns raw hand
// observations into events and suppresses repeats.
package observer

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"hand-relay/internal/models"
)

var cardFields = [...]string{"value1", "suit1", "value2", "suit2"}

// ParseHand reads an observation. It fails unless all four card fields are
// non-empty strings.
func ParseHand(fields map[string]interface{}) (models.Hand, bool) {
	var cards [len(cardFields)]string
	for i, key := range cardFields {
		v, ok := fields[key].(string)
		if !ok || v == "" {
			return models.Hand{}, false
		}
		cards[i] = v
	}

	h := models.Hand{
		Value1: cards[0],
		Suit1:  cards[1],
		Value2: cards[2],
		Suit2:  cards[3],
		Extra:  make(map[string]interface{}),
	}
	h.URL, _ = fields["url"].(string)
	if ts, ok := fields["timestamp"].(float64); ok {
		h.Timestamp = int64(ts)
	}

	for k, v := range fields {
		switch k {
		case "value1", "suit1", "value2", "suit2", "url", "timestamp":
		default:
			h.Extra[k] = v
		}
	}
	return h, true
}

// Gate lets a hand through only when it differs from the last one accepted.
type Gate struct {
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	last *models.Hand
}

func NewGate(clk clock.Clock, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{clock: clk, logger: logger}
}

// Accept returns the event for h, or false when h is incomplete or repeats
// the previous hand. A missing timestamp is filled from the clock.
func (g *Gate) Accept(h models.Hand) (models.Event, bool) {
	if h.Value1 == "" || h.Suit1 == "" || h.Value2 == "" || h.Suit2 == "" {
		return models.Event{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last != nil && g.last.SameCards(h) {
		return models.Event{}, false
	}
	if h.Timestamp == 0 {
		h.Timestamp = g.clock.Now().UnixMilli()
	}

	ev, err := models.NewEvent(h.Fields())
	if err != nil {
		g.logger.Warn("[OBSERVER] Hand not encodable", "error", err)
		return models.Event{}, false
	}

	g.last = &h
	return ev, true
}

// AcceptFields parses and gates one raw observation.
func (g *Gate) AcceptFields(fields map[string]interface{}) (models.Event, bool) {
	h, ok := ParseHand(fields)
	if !ok {
		return models.Event{}, false
	}
	return g.Accept(h)
}
