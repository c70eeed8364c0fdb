package transport

import (
	"context"
	"net/http"

	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/events"
)

// Transport combines REST calls and the push channel.
type Transport interface {
	// REST
	GetJSON(ctx context.Context, path string, out interface{}) error
	PostJSON(ctx context.Context, path string, payload, out interface{}) error
	Probe(ctx context.Context, url string) error

	// Push channel
	Dialer

	// Authentication
	SetToken(token string)
	GetToken() string
}

// DefaultTransport implements Transport over HTTP and either SSE or
// WebSocket depending on configuration.
type DefaultTransport struct {
	*HTTPClient
	dialer Dialer
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.Config, logger *events.Logger) *DefaultTransport {
	httpClient := NewHTTPClient(&cfg.API, logger)

	var dialer Dialer
	switch cfg.Push.Transport {
	case "websocket":
		dialer = NewWSDialer(cfg.API.BaseURL, cfg.Push.Path+"/ws", logger)
	default:
		// Streams outlive any request timeout, so SSE gets its own client
		// sharing the pooled transport.
		streamClient := &http.Client{Transport: httpClient.client.Transport}
		dialer = NewSSEDialer(streamClient, cfg.API.BaseURL, cfg.Push.Path, logger)
	}

	return &DefaultTransport{
		HTTPClient: httpClient,
		dialer:     dialer,
	}
}

// Dial opens the configured push channel.
func (t *DefaultTransport) Dial(ctx context.Context, token string) (Stream, error) {
	return t.dialer.Dial(ctx, token)
}
