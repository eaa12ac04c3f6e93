package models

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"
)

const (
	// HostMessageHandData is the only host channel message type the relay acts on.
	HostMessageHandData = "HAND_DATA"

	// EnvelopeTypeHand is the envelope type written to the hub socket.
	EnvelopeTypeHand = "hand"
)

var ErrEmptyEvent = errors.New("event payload is empty")

// Event is a producer-defined payload. Only url and timestamp are interpreted;
// everything else travels verbatim.
type Event struct {
	URL       string
	Timestamp int64

	raw json.RawMessage
}

type eventHeader struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// NewEvent encodes v as the event payload. v must marshal to a JSON object
// carrying url and timestamp.
func NewEvent(v interface{}) (Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}

	var ev Event
	if err := ev.UnmarshalJSON(payload); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return json.Marshal(eventHeader{URL: e.URL, Timestamp: e.Timestamp})
	}
	return e.raw, nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrEmptyEvent
	}

	var header eventHeader
	if err := json.Unmarshal(trimmed, &header); err != nil {
		return err
	}

	e.URL = header.URL
	e.Timestamp = header.Timestamp
	e.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// Raw returns the payload bytes exactly as they will be transmitted.
func (e Event) Raw() []byte {
	b, _ := e.MarshalJSON()
	return b
}

// HostMessage is a frame on the producer to relay channel.
type HostMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewHandMessage(ev Event) HostMessage {
	return HostMessage{
		Type: HostMessageHandData,
		Data: ev.Raw(),
	}
}

// Event decodes the frame body. Only meaningful for HAND_DATA frames.
func (m HostMessage) Event() (Event, error) {
	var ev Event
	if err := ev.UnmarshalJSON(m.Data); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Envelope is the unit written to the hub socket.
type Envelope struct {
	Type             string  `json:"type"`
	PublisherId      string  `json:"publisherId"`
	PokerNowPlayerId *string `json:"pokerNowPlayerId"`
	PlayerName       *string `json:"playerName"`
	Data             Event   `json:"data"`
	Timestamp        int64   `json:"timestamp"`
}

// Hand is what the in-page observer reports. Extra carries any other fields
// the observer attached; they are forwarded untouched.
type Hand struct {
	Value1    string
	Suit1     string
	Value2    string
	Suit2     string
	URL       string
	Timestamp int64
	Extra     map[string]interface{}
}

// SameCards reports whether both hands hold the same two value/suit pairs.
func (h Hand) SameCards(other Hand) bool {
	return h.Value1 == other.Value1 &&
		h.Suit1 == other.Suit1 &&
		h.Value2 == other.Value2 &&
		h.Suit2 == other.Suit2
}

func (h Hand) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(h.Extra)+6)
	for k, v := range h.Extra {
		fields[k] = v
	}
	fields["value1"] = h.Value1
	fields["suit1"] = h.Suit1
	fields["value2"] = h.Value2
	fields["suit2"] = h.Suit2
	fields["url"] = h.URL
	fields["timestamp"] = h.Timestamp
	return fields
}
