package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/store"
)

// DefaultFlushDelay batches store changes arriving close together into a
// single write.
const DefaultFlushDelay = 250 * time.Millisecond

// Persister mirrors store collections into a snapshot Store from a single
// background writer.
type Persister struct {
	snapshots Store
	store     *store.Store
	logger    *events.Logger
	delay     time.Duration

	mu       sync.Mutex
	dirty    map[models.Collection]bool
	listener store.ListenerID
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPersister creates a stopped persister.
func NewPersister(snapshots Store, st *store.Store, delay time.Duration, logger *events.Logger) *Persister {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Persister{
		snapshots: snapshots,
		store:     st,
		logger:    logger.WithField("component", "persister"),
		delay:     delay,
		dirty:     make(map[models.Collection]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Restore loads every saved snapshot into the store. It returns the number
// of collections restored; unreadable snapshots are skipped.
func (p *Persister) Restore() (int, error) {
	collections, err := p.snapshots.List()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, c := range collections {
		snap, err := p.snapshots.Load(c)
		if err != nil {
			if !errors.Is(err, ErrStateNotFound) {
				p.logger.WithError(err).WithField("collection", c).Warn("Skipping unreadable snapshot")
			}
			continue
		}
		p.store.SetCollection(c, snap.Items)
		restored++

		p.logger.WithFields(map[string]interface{}{
			"collection": c,
			"items":      len(snap.Items),
			"saved_at":   snap.SavedAt,
		}).Debug("Restored snapshot")
	}
	return restored, nil
}

// Start subscribes to the store and launches the writer.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.listener = p.store.AddListener(p.onChange)

	go p.run(ctx, p.done)
}

// Stop unsubscribes, writes anything pending and waits for the writer.
func (p *Persister) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	if cancel != nil {
		p.store.RemoveListener(p.listener)
	}
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Persister) onChange(ev store.Event) {
	p.mu.Lock()
	p.dirty[ev.Collection] = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.wake:
		}

		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.flush()
			return
		case <-timer.C:
		}
		p.flush()
	}
}

// flush writes every dirty collection.
func (p *Persister) flush() {
	p.mu.Lock()
	dirty := p.dirty
	p.dirty = make(map[models.Collection]bool)
	p.mu.Unlock()

	for c := range dirty {
		snap := &Snapshot{
			Collection: c,
			Items:      p.store.Get(c),
			SavedAt:    time.Now(),
		}
		if err := p.snapshots.Save(snap); err != nil {
			p.logger.WithError(err).WithField("collection", c).Warn("Failed to save snapshot")
			continue
		}
		p.logger.WithFields(map[string]interface{}{
			"collection": c,
			"items":      len(snap.Items),
		}).Debug("Saved snapshot")
	}
}
