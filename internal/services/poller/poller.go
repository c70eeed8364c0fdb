package poller

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/services/platform"
	"github.com/TheMichaelB/fleetwatch/internal/store"
)

// DefaultInterval between fetches for one deployment.
const DefaultInterval = 5 * time.Second

type task struct {
	gen    uint64
	cancel context.CancelFunc
}

// Poller watches individual deployments that are waiting on the provider,
// fetching the deployments collection on a fixed interval until each one
// resolves.
type Poller struct {
	api      platform.API
	store    *store.Store
	notifier notify.Notifier
	logger   *events.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	mu    sync.Mutex
	tasks map[string]task
	gen   uint64
	base  context.Context
}

// New creates a poller. A non-positive interval selects DefaultInterval.
func New(api platform.API, st *store.Store, notifier notify.Notifier, interval time.Duration, logger *events.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	return &Poller{
		api:      api,
		store:    st,
		notifier: notifier,
		logger:   logger.WithField("component", "poller"),
		interval: interval,
		tasks:    make(map[string]task),
		base:     context.Background(),
	}
}

// SetMetrics attaches instrumentation.
func (p *Poller) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// SetContext sets the parent context of tasks started afterwards.
func (p *Poller) SetContext(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = ctx
}

// StartPolling begins polling id. It returns false if id is already polled.
func (p *Poller) StartPolling(id string) bool {
	p.mu.Lock()
	if _, ok := p.tasks[id]; ok {
		p.mu.Unlock()
		return false
	}

	p.gen++
	ctx, cancel := context.WithCancel(p.base)
	t := task{gen: p.gen, cancel: cancel}
	p.tasks[id] = t
	n := len(p.tasks)
	p.mu.Unlock()

	p.metrics.PollsActive(n)
	p.logger.WithField("resource_id", id).Debug("Polling started")

	ctx = events.WithResourceID(events.WithLogger(ctx, p.logger), id)
	go p.run(ctx, id, t.gen)
	return true
}

// StopPolling stops polling id. Stopping an id that is not polled does
// nothing.
func (p *Poller) StopPolling(id string) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if ok {
		delete(p.tasks, id)
	}
	n := len(p.tasks)
	p.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	p.metrics.PollsActive(n)
	p.logger.WithField("resource_id", id).Debug("Polling stopped")
}

// StopAll stops every task.
func (p *Poller) StopAll() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = make(map[string]task)
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	p.metrics.PollsActive(0)
}

// Active reports whether id is being polled.
func (p *Poller) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[id]
	return ok
}

// Len returns the number of polled deployments.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *Poller) run(ctx context.Context, id string, gen uint64) {
	defer p.finish(id, gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.tick(ctx, id) {
				return
			}
		}
	}
}

// finish removes id's entry if it still belongs to the task of generation
// gen; a StopPolling followed by StartPolling leaves the newer task alone.
func (p *Poller) finish(id string, gen uint64) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if ok && t.gen == gen {
		delete(p.tasks, id)
	} else {
		ok = false
	}
	n := len(p.tasks)
	p.mu.Unlock()

	if ok {
		t.cancel()
		p.metrics.PollsActive(n)
	}
}

// tick runs one fetch and reports whether polling is done.
func (p *Poller) tick(ctx context.Context, id string) bool {
	logger := events.FromContext(ctx)

	items, err := p.api.List(ctx, models.Deployments)
	p.metrics.PollRequest(err)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		logger.WithError(err).Warn("Poll fetch failed")
		return false
	}
	if ctx.Err() != nil {
		return true
	}

	var (
		found models.Resource
		ok    bool
	)
	for _, r := range items {
		if r.ID == id {
			found, ok = r, true
			break
		}
	}

	switch {
	case !ok:
		logger.Debug("Polled deployment no longer exists")
		return true

	case found.HasEndpoint():
		p.store.UpsertByID(models.Deployments, id, models.Patch{EndpointURL: models.Ptr(found.EndpointURL)})
		logger.WithField("endpoint", found.EndpointURL).Info("Deployment endpoint resolved")
		p.notifier.Notify(notify.Notice{
			Level:      notify.LevelSuccess,
			Title:      "Deployment reachable",
			Message:    found.EndpointURL,
			ResourceID: id,
		})
		return true

	case models.IsTerminalError(found.Status):
		p.store.UpsertByID(models.Deployments, id, models.Patch{
			Status:        models.Ptr(found.Status),
			StatusMessage: models.Ptr(found.StatusMessage),
		})
		logger.WithField("status", found.Status).Warn("Deployment failed while polling")
		p.notifier.Notify(notify.Notice{
			Level:      notify.LevelError,
			Title:      "Deployment failed",
			Message:    found.StatusMessage,
			ResourceID: id,
		})
		return true
	}

	return false
}
