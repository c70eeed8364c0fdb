package sweep

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/services/platform"
	"github.com/TheMichaelB/fleetwatch/internal/store"
)

// Credentials renews the session token when it is close to expiry.
type Credentials interface {
	EnsureValid(ctx context.Context) error
}

// Tracker receives deployments that need targeted polling.
type Tracker interface {
	StartPolling(id string) bool
}

// Config controls sweep cadence and probing.
type Config struct {
	RefreshInterval  time.Duration
	AuthInterval     time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int
}

// Sweep periodically reloads every collection from the platform and keeps
// the session token fresh, independently of the push channel.
type Sweep struct {
	api      platform.API
	creds    Credentials
	store    *store.Store
	tracker  Tracker
	notifier notify.Notifier
	logger   *events.Logger
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped sweep.
func New(api platform.API, creds Credentials, st *store.Store, tracker Tracker,
	notifier notify.Notifier, cfg Config, logger *events.Logger) *Sweep {
	if notifier == nil {
		notifier = notify.Nop
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	done := make(chan struct{})
	close(done)

	return &Sweep{
		api:      api,
		creds:    creds,
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.WithField("component", "sweep"),
		config:   cfg,
		now:      time.Now,
		done:     done,
	}
}

// SetMetrics attaches instrumentation.
func (s *Sweep) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Done is closed once the tickers have stopped.
func (s *Sweep) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start hands already-loaded transient deployments to the tracker, then
// runs an immediate refresh followed by the two tickers. Start on a running
// sweep does nothing.
func (s *Sweep) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(events.WithLogger(ctx, s.logger))
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.Scan()
	go s.run(ctx, done)
}

// Stop cancels both tickers and any refresh in flight. It does not wait.
func (s *Sweep) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Sweep) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.Refresh(ctx)

	refresh := time.NewTicker(s.config.RefreshInterval)
	defer refresh.Stop()
	auth := time.NewTicker(s.config.AuthInterval)
	defer auth.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.Refresh(ctx)
		case <-auth.C:
			s.CheckAuth(ctx)
		}
	}
}

// Scan starts polling every deployment still waiting on its endpoint and
// returns how many were handed over.
func (s *Sweep) Scan() int {
	n := 0
	for _, r := range s.store.Get(models.Deployments) {
		if lifecycle.IsTransient(models.Deployments, r) && s.tracker.StartPolling(r.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.WithField("count", n).Info("Resumed polling for provisioning deployments")
	}
	return n
}

// Refresh runs one full reconciliation: provider resync, collection reload,
// local server liveness probes and a transient scan. Each step runs even if
// an earlier one failed.
func (s *Sweep) Refresh(ctx context.Context) {
	start := time.Now()
	logger := events.FromContext(ctx)

	if err := s.api.Resync(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("Provider resync failed, refreshing local view anyway")
	}

	for _, c := range models.AllCollections {
		items, err := s.api.List(ctx, c)
		s.metrics.SweepRefresh(string(c), err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithField("collection", c).Warn("Collection refresh failed")
			continue
		}
		s.store.SetCollection(c, items)
	}

	s.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	s.Scan()

	s.metrics.SweepDuration(time.Since(start))
	logger.WithField("duration", time.Since(start)).Debug("Sweep complete")
}

type probeResult struct {
	id      string
	healthy bool
	at      time.Time
}

// probe checks every local server that exposes an endpoint.
func (s *Sweep) probe(ctx context.Context) {
	var targets []models.Resource
	for _, r := range s.store.Get(models.LocalServers) {
		if r.EndpointURL != "" {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		return
	}

	results := make([]probeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ProbeConcurrency)

	for i, r := range targets {
		g.Go(func() error {
			pctx := gctx
			if s.config.ProbeTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(gctx, s.config.ProbeTimeout)
				defer cancel()
			}

			err := s.api.Probe(pctx, r.EndpointURL)
			if err != nil {
				events.FromContext(ctx).WithError(err).WithField("resource_id", r.ID).Debug("Health probe failed")
			}
			results[i] = probeResult{id: r.ID, healthy: err == nil, at: s.now()}
			s.metrics.HealthProbe(err == nil)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	for _, res := range results {
		health := models.HealthUnhealthy
		if res.healthy {
			health = models.HealthHealthy
		}
		s.store.UpsertByID(models.LocalServers, res.id, models.Patch{
			Health:          models.Ptr(health),
			LastHealthCheck: models.Ptr(res.at),
		})
	}
}

// CheckAuth refreshes the session token if it is about to expire.
func (s *Sweep) CheckAuth(ctx context.Context) {
	if err := s.creds.EnsureValid(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		events.FromContext(ctx).WithError(err).Warn("Session check failed")
		s.notifier.Notify(notify.Notice{
			Level:   notify.LevelWarning,
			Title:   "Session expiring",
			Message: "sign in again to keep receiving updates",
		})
	}
}
