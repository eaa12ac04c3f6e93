// Package token fetches short-lived hub credentials from the token service.
package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// RolePublisher is the only role this relay requests.
const RolePublisher = "pub"

var (
	// ErrUnauthorized means the token service answered 401.
	ErrUnauthorized = errors.New("token service rejected credentials")
	// ErrTransient covers transport failures and non-401 error statuses.
	ErrTransient = errors.New("token service unavailable")
)

// Outcome is the tagged result of a token fetch.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Unauthorized
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Classify maps a Fetch error onto an Outcome. Anything that is not a 401 is
// treated as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized
	default:
		return Transient
	}
}

// Request is the body posted to the token service.
type Request struct {
	Room        string `json:"room"`
	Role        string `json:"role"`
	PublisherId string `json:"publisherId"`
}

type response struct {
	Token string `json:"token"`
}

// Fetcher is what the hub publisher needs from a token source.
type Fetcher interface {
	Fetch(ctx context.Context, room, publisherID string) (string, error)
}

// Client talks to the token service over HTTP through a circuit breaker.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreakerSettings overrides the circuit breaker configuration. The
// IsSuccessful hook is always replaced so 401s never trip the breaker.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = newBreaker(st) }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(gobreaker.Settings{
			Name:        "token-service",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker {
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrUnauthorized)
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Fetch requests a publisher token for room. The error, if any, wraps either
// ErrUnauthorized or ErrTransient.
func (c *Client) Fetch(ctx context.Context, room, publisherID string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, room, publisherID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *Client) fetch(ctx context.Context, room, publisherID string) (string, error) {
	body, err := json.Marshal(Request{Room: room, Role: RolePublisher, PublisherId: publisherID})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: room %s", ErrUnauthorized, room)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTransient)
	}

	c.logger.Debug("[TOKEN] Fetched credential", "room", room)
	return out.Token, nil
}
