package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	sse "github.com/tmaxmax/go-sse"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// SSEDialer opens server-sent event streams.
type SSEDialer struct {
	client  *http.Client
	baseURL string
	path    string
	logger  *events.Logger
}

// NewSSEDialer creates a dialer for baseURL+path. The client must not carry
// a request timeout since streams are long-lived.
func NewSSEDialer(client *http.Client, baseURL, path string, logger *events.Logger) *SSEDialer {
	if client == nil {
		client = &http.Client{}
	}
	return &SSEDialer{
		client:  client,
		baseURL: baseURL,
		path:    path,
		logger:  logger.WithField("component", "sse"),
	}
}

// Dial opens the stream. Rejected credentials surface as *AuthError.
func (d *SSEDialer) Dial(ctx context.Context, token string) (Stream, error) {
	u, err := streamURL(d.baseURL, d.path, token)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	d.logger.WithField("url", d.baseURL+d.path).Debug("Opening event stream")

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, handshakeError(resp.StatusCode)
	}

	return newSSEStream(resp.Body, cancel), nil
}

// sseStream decodes an event-stream body on a reader goroutine and hands
// event data to Next. Event types and IDs are not used; events without data
// are skipped.
type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc

	events chan []byte
	err    chan error
	done   chan struct{}

	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc) *sseStream {
	s := &sseStream{
		body:   body,
		cancel: cancel,
		events: make(chan []byte),
		err:    make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *sseStream) readLoop() {
	for ev, err := range sse.Read(s.body, nil) {
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.err <- fmt.Errorf("read event stream: %w", err)
			return
		}
		if ev.Data == "" {
			continue
		}
		select {
		case s.events <- []byte(ev.Data):
		case <-s.done:
			return
		}
	}
	s.err <- fmt.Errorf("event stream ended: %w", models.ErrStreamClosed)
}

func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.events:
		return data, nil
	case err := <-s.err:
		// Later calls see the same failure.
		s.err <- err
		select {
		case <-s.done:
			return nil, models.ErrStreamClosed
		default:
			return nil, err
		}
	case <-s.done:
		return nil, models.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}
