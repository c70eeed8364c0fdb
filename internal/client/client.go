package client

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/services/auth"
	"github.com/TheMichaelB/fleetwatch/internal/services/platform"
	"github.com/TheMichaelB/fleetwatch/internal/services/poller"
	"github.com/TheMichaelB/fleetwatch/internal/services/push"
	"github.com/TheMichaelB/fleetwatch/internal/services/sweep"
	"github.com/TheMichaelB/fleetwatch/internal/state"
	"github.com/TheMichaelB/fleetwatch/internal/store"
	"github.com/TheMichaelB/fleetwatch/internal/transport"
)

// Client wires the synchronization components around one Store.
type Client struct {
	Auth     *auth.Service
	Platform *platform.Service
	Store    *store.Store
	Poller   *poller.Poller
	Push     *push.Manager
	Sweep    *sweep.Sweep
	Metrics  *metrics.Metrics

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	snapshots state.Store
	persister *state.Persister

	mu      sync.Mutex
	started bool
}

// New creates a client. A nil notifier discards notices.
func New(cfg *config.Config, logger *events.Logger, notifier notify.Notifier) (*Client, error) {
	return NewWithTransport(cfg, transport.NewTransport(cfg, logger), logger, notifier)
}

// NewWithTransport creates a client on a caller-supplied transport.
func NewWithTransport(cfg *config.Config, tr transport.Transport, logger *events.Logger, notifier notify.Notifier) (*Client, error) {
	if notifier == nil {
		notifier = notify.Nop
	}

	snapshots, err := newSnapshotStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	authService := auth.NewService(tr, cfg.Auth.TokenFile, cfg.Auth.ExpiryMargin, logger)
	authService.SetMetrics(m)

	platformService := platform.NewService(tr, logger)
	st := store.New(logger)

	pl := poller.New(platformService, st, notifier, cfg.Poll.Interval, logger)
	pl.SetMetrics(m)

	sw := sweep.New(platformService, authService, st, pl, notifier, sweep.Config{
		RefreshInterval:  cfg.Sweep.RefreshInterval,
		AuthInterval:     cfg.Sweep.AuthInterval,
		ProbeTimeout:     cfg.Sweep.ProbeTimeout,
		ProbeConcurrency: cfg.Sweep.ProbeConcurrency,
	}, logger)
	sw.SetMetrics(m)

	var pm *push.Manager
	if cfg.Push.Enabled {
		pm = push.NewManager(tr, authService, st, pl, notifier, push.Config{
			BaseDelay:   cfg.Push.BaseDelay,
			MaxAttempts: cfg.Push.MaxAttempts,
		}, logger)
		pm.SetMetrics(m)
	}

	c := &Client{
		Auth:      authService,
		Platform:  platformService,
		Store:     st,
		Poller:    pl,
		Push:      pm,
		Sweep:     sw,
		Metrics:   m,
		config:    cfg,
		logger:    logger.WithField("component", "client"),
		transport: tr,
		snapshots: snapshots,
	}
	if snapshots != nil {
		c.persister = state.NewPersister(snapshots, st, 0, logger)
	}

	return c, nil
}

func newSnapshotStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.Storage.Snapshot {
	case "json":
		return state.NewJSONStore(cfg.Storage.StateDir, logger)
	case "sqlite":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		return state.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "state.db"), logger)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.Storage.Snapshot)
	}
}

// Start restores the last snapshot, then starts persistence, the sweep and
// the push channel. The session must already exist.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if _, err := c.Auth.Session(); err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if c.persister != nil {
		n, err := c.persister.Restore()
		if err != nil {
			c.logger.WithError(err).Warn("Could not restore snapshots")
		} else if n > 0 {
			c.logger.WithField("collections", n).Info("Restored previous state")
		}
		c.persister.Start(ctx)
	}

	c.Poller.SetContext(ctx)
	c.Sweep.Start(ctx)
	if c.Push != nil {
		c.Push.Start(ctx)
	}

	c.started = true
	c.logger.Info("Sync started")
	return nil
}

// Stop cancels every background task and flushes pending snapshots.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.started = false

	if c.Push != nil {
		c.Push.Stop()
	}
	c.Sweep.Stop()
	c.Poller.StopAll()
	if c.persister != nil {
		c.persister.Stop()
	}

	c.logger.Info("Sync stopped")
}

// Close stops the client and releases the snapshot store.
func (c *Client) Close() error {
	c.Stop()
	if c.snapshots != nil {
		return c.snapshots.Close()
	}
	return nil
}

// Restore loads the last saved snapshot into the store without contacting
// the platform.
func (c *Client) Restore() (int, error) {
	if c.persister == nil {
		return 0, nil
	}
	return c.persister.Restore()
}

// Refresh runs one reconciliation pass synchronously.
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.Auth.EnsureValid(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	c.Sweep.Refresh(ctx)
	return nil
}

// Snapshot returns a copy of every collection.
func (c *Client) Snapshot() map[models.Collection][]models.Resource {
	out := make(map[models.Collection][]models.Resource, len(models.AllCollections))
	for _, col := range models.AllCollections {
		out[col] = c.Store.Get(col)
	}
	return out
}
