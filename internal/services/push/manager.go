package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/store"
	"github.com/TheMichaelB/fleetwatch/internal/transport"
)

// State of the connection session.
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
)

// Credentials supplies and renews the session token.
type Credentials interface {
	Token() (string, error)
	Valid(token string) bool
	Refresh(ctx context.Context) (string, error)
}

// Tracker hands endpoint-less deployments to targeted polling.
type Tracker interface {
	StartPolling(id string) bool
	StopPolling(id string)
}

// Config controls reconnect behavior.
type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Manager owns the push channel: one connection at a time, reconnects with
// bounded exponential backoff, and applies every message to the store.
type Manager struct {
	dialer   transport.Dialer
	creds    Credentials
	store    *store.Store
	tracker  Tracker
	notifier notify.Notifier
	logger   *events.Logger
	metrics  *metrics.Metrics
	config   Config

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu      sync.Mutex
	state   State
	attempt int
	// refreshed is set once a token refresh has been tried since the last
	// successful open; the next failure then goes straight to backoff.
	refreshed  bool
	everOpened bool
	lost       bool
	stream     transport.Stream
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewManager creates a stopped manager.
func NewManager(dialer transport.Dialer, creds Credentials, st *store.Store, tracker Tracker,
	notifier notify.Notifier, cfg Config, logger *events.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Nop
	}
	done := make(chan struct{})
	close(done)

	return &Manager{
		dialer:   dialer,
		creds:    creds,
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.WithField("component", "push"),
		config:   cfg,
		sleep:    sleepContext,
		now:      time.Now,
		state:    StateClosed,
		done:     done,
	}
}

// SetMetrics attaches instrumentation.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the counted reconnect attempts since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Done is closed when the connection loop has exited.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Start launches the connection loop. Calling Start while the loop is
// running does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.attempt = 0
	m.refreshed = false
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
}

// Stop tears down the channel. It is idempotent, does not wait for the loop
// to exit and is safe to call from a message handler.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stream := m.stream
	m.cancel = nil
	m.stream = nil
	m.state = StateClosed
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	m.metrics.PushConnected(false)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ctx = events.WithLogger(ctx, m.logger)

	for ctx.Err() == nil {
		token, ok := m.preflight(ctx)
		if !ok {
			if !m.backoff(ctx) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		stream, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Push channel connect failed")
			if !m.recover(ctx, err) {
				return
			}
			continue
		}

		sessionCtx := events.WithSessionID(ctx, uuid.NewString())
		if !m.opened(stream) {
			_ = stream.Close()
			return
		}

		err = m.consume(sessionCtx, stream)
		m.closeStream(stream)
		if ctx.Err() != nil {
			return
		}

		events.FromContext(sessionCtx).WithError(err).Warn("Push channel lost")
		m.streamLost()
		if !m.recover(ctx, err) {
			return
		}
	}
}

// preflight returns a token that is valid for at least the configured
// margin, refreshing it when needed. It reports false when no usable token
// could be obtained.
func (m *Manager) preflight(ctx context.Context) (string, bool) {
	token, err := m.creds.Token()
	if err == nil && m.creds.Valid(token) {
		return token, true
	}

	m.logger.WithError(err).Info("Session token missing or expiring, refreshing before connect")

	m.mu.Lock()
	m.refreshed = true
	m.mu.Unlock()

	token, err = m.creds.Refresh(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Token refresh failed")
		return "", false
	}
	if !m.creds.Valid(token) {
		m.logger.Warn("Refreshed token is not valid")
		return "", false
	}
	return token, true
}

// opened records a successful open. It reports false if Stop raced the
// dial.
func (m *Manager) opened(stream transport.Stream) bool {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return false
	}
	m.stream = stream
	m.state = StateOpen
	m.attempt = 0
	m.refreshed = false
	reconnect := m.everOpened
	m.everOpened = true
	m.lost = false
	m.mu.Unlock()

	m.metrics.PushConnected(true)
	m.logger.Info("Push channel open")

	title := "Live updates connected"
	if reconnect {
		title = "Live updates restored"
	}
	m.notifier.Notify(notify.Notice{Level: notify.LevelSuccess, Title: title})
	return true
}

func (m *Manager) streamLost() {
	m.mu.Lock()
	first := !m.lost
	m.lost = true
	m.mu.Unlock()

	if first {
		m.notifier.Notify(notify.Notice{
			Level:   notify.LevelWarning,
			Title:   "Live updates interrupted",
			Message: "reconnecting",
		})
	}
}

func (m *Manager) closeStream(stream transport.Stream) {
	_ = stream.Close()

	m.mu.Lock()
	if m.stream == stream {
		m.stream = nil
	}
	m.mu.Unlock()
	m.metrics.PushConnected(false)
}

// consume reads until the stream fails. Malformed messages are logged and
// skipped.
func (m *Manager) consume(ctx context.Context, stream transport.Stream) error {
	logger := events.FromContext(ctx)

	for {
		data, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			m.metrics.PushMessage(metrics.MessageMalformed)
			logger.WithError(err).Warn("Ignoring malformed push message")
			continue
		}
		m.metrics.PushMessage(messageLabel(msg))
		m.dispatch(ctx, msg)
	}
}

// messageLabel keeps server-supplied type strings out of metric labels.
func messageLabel(msg models.Message) string {
	if _, ok := msg.(models.UnknownMessage); ok {
		return metrics.MessageUnknown
	}
	return string(msg.Type())
}

// recover decides between the token-refresh path and counted backoff after
// a failure. It reports false when the loop must exit.
func (m *Manager) recover(ctx context.Context, cause error) bool {
	m.setState(StateBackoff)

	var handshake *transport.HandshakeError
	if errors.As(cause, &handshake) {
		// The server answered with a non-auth status: no point refreshing.
		return m.backoff(ctx)
	}

	m.mu.Lock()
	tryRefresh := !m.refreshed
	m.refreshed = true
	m.mu.Unlock()

	if !tryRefresh {
		return m.backoff(ctx)
	}

	m.metrics.PushReconnect("refresh")
	m.logger.WithField("auth_rejected", transport.IsAuthError(cause)).
		Info("First failure since open, refreshing token before reconnect")

	if _, err := m.creds.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.logger.WithError(err).Warn("Token refresh failed, falling back to backoff")
		return m.backoff(ctx)
	}
	return ctx.Err() == nil
}

// backoff counts an attempt and waits, or gives up once the budget is spent.
func (m *Manager) backoff(ctx context.Context) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if m.attempt >= m.config.MaxAttempts {
		cancel := m.cancel
		m.state = StateClosed
		m.cancel = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		m.metrics.PushReconnect("exhausted")
		m.logger.WithField("attempts", m.config.MaxAttempts).Error("Push channel reconnect budget exhausted")
		m.notifier.Notify(notify.Notice{
			Level:   notify.LevelError,
			Title:   "Reconnect failed",
			Message: "live updates stopped, reload to retry",
		})
		return false
	}
	m.attempt++
	attempt := m.attempt
	m.state = StateBackoff
	m.mu.Unlock()

	delay := Backoff(m.config.BaseDelay, attempt)
	m.metrics.PushReconnect("backoff")
	m.logger.WithFields(map[string]interface{}{
		"attempt": attempt,
		"delay":   delay,
	}).Info("Reconnecting after delay")

	return m.sleep(ctx, delay) == nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.state = s
	}
}
