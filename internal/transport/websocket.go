package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// WSDialer opens WebSocket push channels.
type WSDialer struct {
	url    string
	path   string
	logger *events.Logger

	handshakeTimeout time.Duration
	pingInterval     time.Duration
	pongTimeout      time.Duration
}

// NewWSDialer creates a WebSocket dialer. http(s) base URLs are converted
// to ws(s).
func NewWSDialer(baseURL, path string, logger *events.Logger) *WSDialer {
	if strings.HasPrefix(baseURL, "http") {
		baseURL = "ws" + baseURL[4:]
	}

	return &WSDialer{
		url:              baseURL,
		path:             path,
		logger:           logger.WithField("component", "ws_client"),
		handshakeTimeout: 10 * time.Second,
		pingInterval:     30 * time.Second,
		pongTimeout:      10 * time.Second,
	}
}

// Dial establishes the connection. Rejected credentials surface as
// *AuthError.
func (d *WSDialer) Dial(ctx context.Context, token string) (Stream, error) {
	u, err := streamURL(d.url, d.path, token)
	if err != nil {
		return nil, err
	}

	d.logger.WithField("url", d.url+d.path).Info("Connecting to WebSocket")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket connect: %w", handshakeError(resp.StatusCode))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &wsStream{
		conn:   conn,
		logger: d.logger,
		done:   make(chan struct{}),
		wait:   d.pongTimeout + d.pingInterval,
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.wait))
	})
	go s.pingLoop(d.pingInterval)

	d.logger.Info("WebSocket connected")
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	logger *events.Logger
	wait   time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Next reads the next text or binary frame.
func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.wait))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("websocket closed: %w", models.ErrStreamClosed)
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Close sends a close frame and closes the connection.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings.
func (s *wsStream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.wait))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
