package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration
	GetResponses  map[string]interface{}
	PostResponses map[string]interface{}

	// Error injection
	GetErrors   map[string]error
	PostErrors  map[string]error
	ProbeErrors map[string]error

	// Dynamic GET handler, consulted before GetResponses when set.
	OnGet func(ctx context.Context, path string) (interface{}, error)

	// Dial behavior; when nil each Dial returns a fresh MockStream.
	OnDial func(token string) (Stream, error)

	// Request tracking
	GetRequests  []string
	PostRequests []PostRequest
	ProbeURLs    []string
	DialTokens   []string
	Streams      []*MockStream

	token string
}

// PostRequest tracks POST requests.
type PostRequest struct {
	Path    string
	Payload interface{}
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		GetResponses:  make(map[string]interface{}),
		PostResponses: make(map[string]interface{}),
		GetErrors:     make(map[string]error),
		PostErrors:    make(map[string]error),
		ProbeErrors:   make(map[string]error),
	}
}

// GetJSON mocks HTTP GET.
func (m *MockTransport) GetJSON(ctx context.Context, path string, out interface{}) error {
	m.mu.Lock()
	m.GetRequests = append(m.GetRequests, path)
	onGet := m.OnGet
	resp, ok := m.GetResponses[path]
	err := m.GetErrors[path]
	m.mu.Unlock()

	if onGet != nil {
		resp, err = onGet(ctx, path)
		ok = err == nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no mock response for GET %s", path)
	}
	return decodeInto(resp, out)
}

// PostJSON mocks HTTP POST.
func (m *MockTransport) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	m.mu.Lock()
	m.PostRequests = append(m.PostRequests, PostRequest{Path: path, Payload: payload})
	resp, ok := m.PostResponses[path]
	err := m.PostErrors[path]
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok || out == nil {
		return nil
	}
	return decodeInto(resp, out)
}

// Probe mocks a liveness check.
func (m *MockTransport) Probe(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProbeURLs = append(m.ProbeURLs, url)
	return m.ProbeErrors[url]
}

// Dial mocks opening the push channel.
func (m *MockTransport) Dial(ctx context.Context, token string) (Stream, error) {
	m.mu.Lock()
	m.DialTokens = append(m.DialTokens, token)
	onDial := m.OnDial
	m.mu.Unlock()

	if onDial != nil {
		return onDial(token)
	}

	s := NewMockStream()
	m.mu.Lock()
	m.Streams = append(m.Streams, s)
	m.mu.Unlock()
	return s, nil
}

// SetToken mocks token setting.
func (m *MockTransport) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// GetToken returns the current token.
func (m *MockTransport) GetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Helper methods for test setup

// SetGetResponse sets the body returned for a GET path.
func (m *MockTransport) SetGetResponse(path string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetResponses[path] = response
	delete(m.GetErrors, path)
}

// SetGetError makes GET path fail.
func (m *MockTransport) SetGetError(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetErrors[path] = err
}

// SetPostResponse sets the body returned for a POST path.
func (m *MockTransport) SetPostResponse(path string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PostResponses[path] = response
}

// SetPostError makes POST path fail.
func (m *MockTransport) SetPostError(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PostErrors[path] = err
}

// SetProbeError makes probing url fail.
func (m *MockTransport) SetProbeError(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProbeErrors[url] = err
}

// GetCount returns how many times path was fetched.
func (m *MockTransport) GetCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.GetRequests {
		if p == path {
			n++
		}
	}
	return n
}

// PostCount returns how many times path was posted to.
func (m *MockTransport) PostCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.PostRequests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// Probed returns the probed URLs.
func (m *MockTransport) Probed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ProbeURLs))
	copy(out, m.ProbeURLs)
	return out
}

// Dials returns the tokens passed to Dial.
func (m *MockTransport) Dials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.DialTokens...)
}

// LastStream returns the most recently dialed default stream.
func (m *MockTransport) LastStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

func decodeInto(resp, out interface{}) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal mock response: %w", err)
	}
	return json.Unmarshal(data, out)
}

// MockStream is a Stream fed by the test.
type MockStream struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}

	closeOnce sync.Once
}

// NewMockStream creates an open stream.
func NewMockStream() *MockStream {
	return &MockStream{
		frames: make(chan []byte, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Send queues a raw payload.
func (s *MockStream) Send(data []byte) {
	s.frames <- data
}

// SendJSON queues v marshaled as JSON.
func (s *MockStream) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.Send(data)
}

// Fail makes the next read return err once queued frames drain.
func (s *MockStream) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// End simulates the server closing the stream.
func (s *MockStream) End() {
	s.Fail(fmt.Errorf("mock stream ended: %w", models.ErrStreamClosed))
}

// Closed reports whether the client closed the stream.
func (s *MockStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next implements Stream.
func (s *MockStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.frames:
		return data, nil
	default:
	}

	select {
	case data := <-s.frames:
		return data, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, fmt.Errorf("mock stream closed: %w", models.ErrStreamClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Stream.
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
