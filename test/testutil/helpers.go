package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// LogEntry is one captured JSON log line.
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Fields  map[string]interface{} `json:"-"`
}

// Platform is a fake control plane: REST collections, the event stream,
// token refresh and per-server health endpoints.
type Platform struct {
	*httptest.Server

	mu           sync.Mutex
	collections  map[models.Collection][]models.Resource
	rejected     map[string]bool
	refreshToken string
	nextToken    string
	syncErr      int
	unhealthy    map[string]bool
	streams      map[int]chan string
	nextStream   int
	syncCalls    int
	fetches      map[models.Collection]int
	dials        int
}

// NewPlatform starts a fake platform server.
func NewPlatform() *Platform {
	p := &Platform{
		collections: make(map[models.Collection][]models.Resource),
		rejected:    make(map[string]bool),
		unhealthy:   make(map[string]bool),
		streams:     make(map[int]chan string),
		fetches:     make(map[models.Collection]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/deployments", p.collectionHandler(models.Deployments))
	mux.HandleFunc("/api/local-servers", p.collectionHandler(models.LocalServers))
	mux.HandleFunc("/api/remote-servers", p.collectionHandler(models.RemoteServers))
	mux.HandleFunc("/api/configs", p.collectionHandler(models.Configs))
	mux.HandleFunc("/api/deployments/sync", p.handleSync)
	mux.HandleFunc("/api/auth/refresh", p.handleRefresh)
	mux.HandleFunc("/api/events", p.handleEvents)
	mux.HandleFunc("/servers/", p.handleHealth)

	p.Server = httptest.NewServer(mux)
	return p
}

// SetCollection replaces what the platform reports for c.
func (p *Platform) SetCollection(c models.Collection, items []models.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collections[c] = append([]models.Resource(nil), items...)
}

// Update mutates one resource in place.
func (p *Platform) Update(c models.Collection, id string, fn func(*models.Resource)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.collections[c] {
		if p.collections[c][i].ID == id {
			fn(&p.collections[c][i])
		}
	}
}

// RejectToken makes the event stream answer 401 for token.
func (p *Platform) RejectToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[token] = true
}

// SetRefresh configures the refresh endpoint to exchange refreshToken for
// next.
func (p *Platform) SetRefresh(refreshToken, next string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshToken = refreshToken
	p.nextToken = next
}

// FailSync makes the resync endpoint answer status.
func (p *Platform) FailSync(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncErr = status
}

// SetUnhealthy toggles a server's health endpoint.
func (p *Platform) SetUnhealthy(serverID string, unhealthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[serverID] = unhealthy
}

// ServerEndpoint is the endpoint URL whose /health the platform serves.
func (p *Platform) ServerEndpoint(serverID string) string {
	return p.URL + "/servers/" + serverID
}

// Publish sends a message to every open event stream.
func (p *Platform) Publish(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.streams {
		ch <- string(data)
	}
}

// DropStreams ends every open event stream.
func (p *Platform) DropStreams() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.streams {
		close(ch)
		delete(p.streams, id)
	}
}

// OpenStreams reports how many event streams are connected.
func (p *Platform) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Dials reports how many event stream handshakes were attempted.
func (p *Platform) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// SyncCalls reports how many resync requests arrived.
func (p *Platform) SyncCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncCalls
}

// Fetches reports how many times c was listed.
func (p *Platform) Fetches(c models.Collection) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[c]
}

func (p *Platform) collectionHandler(c models.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		p.mu.Lock()
		p.fetches[c]++
		items := append([]models.Resource{}, p.collections[c]...)
		p.mu.Unlock()

		writeJSON(w, map[string]interface{}{string(c): items})
	}
}

func (p *Platform) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p.mu.Lock()
	p.syncCalls++
	status := p.syncErr
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "sync unavailable", status)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

func (p *Platform) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	ok := p.refreshToken != "" && req.RefreshToken == p.refreshToken
	next := p.nextToken
	p.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, models.APIError{Code: models.ErrCodeAuth, Message: "invalid refresh token"})
		return
	}
	writeJSON(w, models.RefreshResponse{Token: next, RefreshToken: req.RefreshToken})
}

func (p *Platform) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	p.mu.Lock()
	p.dials++
	rejected := token == "" || p.rejected[token]
	p.mu.Unlock()

	if rejected {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 16)
	p.mu.Lock()
	id := p.nextStream
	p.nextStream++
	p.streams[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if _, open := p.streams[id]; open {
			delete(p.streams, id)
		}
		p.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case data, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (p *Platform) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/servers/"), "/health")

	p.mu.Lock()
	sick := p.unhealthy[id]
	p.mu.Unlock()

	if sick {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates a configuration rooted at dataDir with short
// intervals suitable for tests.
func TestConfigWithDir(baseURL, dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.Timeout = 5 * time.Second
	cfg.API.MaxRetries = 0
	cfg.Auth.TokenFile = filepath.Join(dataDir, "auth", "token.json")
	cfg.Push.BaseDelay = 10 * time.Millisecond
	cfg.Poll.Interval = 20 * time.Millisecond
	cfg.Sweep.RefreshInterval = time.Hour
	cfg.Sweep.AuthInterval = time.Hour
	cfg.Sweep.ProbeTimeout = time.Second
	cfg.Storage.DataDir = dataDir
	cfg.Storage.StateDir = filepath.Join(dataDir, "state")
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	return cfg
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// LogOutput captures JSON log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		_ = json.Unmarshal(p, &entry.Fields)
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
