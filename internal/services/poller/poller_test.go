package poller_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/services/poller"
	"github.com/TheMichaelB/fleetwatch/internal/store"
	fixtures "github.com/TheMichaelB/fleetwatch/test/testutil"
)

const interval = 10 * time.Millisecond

// fakeAPI serves a mutable deployments collection.
type fakeAPI struct {
	mu    sync.Mutex
	items []models.Resource
	err   error
	calls int
}

func (f *fakeAPI) List(ctx context.Context, c models.Collection) ([]models.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Resource(nil), f.items...), nil
}

func (f *fakeAPI) Resync(ctx context.Context) error { return nil }

func (f *fakeAPI) Probe(ctx context.Context, endpoint string) error { return nil }

func (f *fakeAPI) set(items ...models.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeAPI) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setup(t *testing.T, seed ...models.Resource) (*poller.Poller, *fakeAPI, *store.Store, *notify.Recorder) {
	t.Helper()

	api := &fakeAPI{items: seed}
	st := store.New(fixtures.NewTestLogger())
	st.SetCollection(models.Deployments, seed)
	rec := &notify.Recorder{}

	p := poller.New(api, st, rec, interval, fixtures.NewTestLogger())
	t.Cleanup(p.StopAll)
	return p, api, st, rec
}

func TestStartPollingIsIdempotent(t *testing.T) {
	p, _, _, _ := setup(t, fixtures.Deployment("d1", "creating", ""))

	assert.True(t, p.StartPolling("d1"))
	assert.False(t, p.StartPolling("d1"))
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.Active("d1"))
}

func TestEndpointResolvesAndStops(t *testing.T) {
	d := fixtures.Deployment("d1", "creating", "")
	d.ConfigLoaded = true
	p, api, st, rec := setup(t, d)

	before, _ := st.Find(models.Deployments, "d1")
	assert.Equal(t, lifecycle.Deploying, lifecycle.Classify(models.Deployments, before).State)

	p.StartPolling("d1")
	time.Sleep(3 * interval)
	assert.True(t, p.Active("d1"), "keeps polling while nothing changed")

	resolved := d
	resolved.EndpointURL = "https://x"
	resolved.Status = "deploying"
	resolved.Name = "renamed upstream"
	api.set(resolved)

	fixtures.WaitForCondition(t, func() bool { return !p.Active("d1") }, time.Second, "poll stopped")

	r, _ := st.Find(models.Deployments, "d1")
	assert.Equal(t, "https://x", r.EndpointURL)
	assert.Equal(t, "creating", r.Status, "only the endpoint is merged")
	assert.Equal(t, d.Name, r.Name)

	notices := rec.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelSuccess, notices[0].Level)
	assert.Equal(t, "d1", notices[0].ResourceID)

	calls := api.count()
	time.Sleep(5 * interval)
	assert.Equal(t, calls, api.count(), "no fetches after resolving")
}

func TestTerminalErrorStops(t *testing.T) {
	p, api, st, rec := setup(t, fixtures.Deployment("d1", "deploying", ""))

	failed := fixtures.Deployment("d1", "failed", "")
	failed.StatusMessage = "quota exceeded"
	api.set(failed)

	p.StartPolling("d1")
	fixtures.WaitForCondition(t, func() bool { return !p.Active("d1") }, time.Second, "poll stopped")

	r, _ := st.Find(models.Deployments, "d1")
	assert.Equal(t, "failed", r.Status)
	assert.Equal(t, "quota exceeded", r.StatusMessage)
	assert.Equal(t, lifecycle.Error, lifecycle.Classify(models.Deployments, r).State)

	notices := rec.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelError, notices[0].Level)
}

func TestMissingDeploymentStopsSilently(t *testing.T) {
	p, api, st, rec := setup(t, fixtures.Deployment("d1", "creating", ""))
	api.set()

	p.StartPolling("d1")
	fixtures.WaitForCondition(t, func() bool { return !p.Active("d1") }, time.Second, "poll stopped")

	assert.Empty(t, rec.Notices())
	_, ok := st.Find(models.Deployments, "d1")
	assert.True(t, ok, "the store entry is left to the sweep")
}

func TestFetchErrorsKeepPolling(t *testing.T) {
	p, api, _, _ := setup(t, fixtures.Deployment("d1", "creating", ""))
	api.fail(errors.New("connection refused"))

	p.StartPolling("d1")
	fixtures.WaitForCondition(t, func() bool { return api.count() >= 3 }, time.Second, "retried")
	assert.True(t, p.Active("d1"))
}

func TestStopPolling(t *testing.T) {
	p, api, _, _ := setup(t, fixtures.Deployment("d1", "creating", ""))

	p.StartPolling("d1")
	p.StopPolling("d1")
	p.StopPolling("d1")
	p.StopPolling("never-started")

	assert.False(t, p.Active("d1"))
	time.Sleep(5 * interval)
	assert.Zero(t, api.count())

	assert.True(t, p.StartPolling("d1"), "restart after stop")
}

func TestStopPollingFromListener(t *testing.T) {
	p, api, st, _ := setup(t, fixtures.Deployment("d1", "creating", ""))

	st.AddListener(func(ev store.Event) {
		if ev.ID == "d1" {
			p.StopPolling("d1")
		}
	})

	p.StartPolling("d1")
	api.set(fixtures.Deployment("d1", "creating", "https://d1"))

	fixtures.WaitForCondition(t, func() bool { return !p.Active("d1") }, time.Second, "poll stopped")
}

func TestStopAll(t *testing.T) {
	p, api, _, _ := setup(t,
		fixtures.Deployment("d1", "creating", ""),
		fixtures.Deployment("d2", "deploying", ""),
	)
	m := metrics.New()
	p.SetMetrics(m)

	p.StartPolling("d1")
	p.StartPolling("d2")
	expected := `
# HELP fleetwatch_poll_active Resources currently under targeted polling.
# TYPE fleetwatch_poll_active gauge
fleetwatch_poll_active 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fleetwatch_poll_active"))

	p.StopAll()
	p.StopAll()
	assert.Zero(t, p.Len())

	calls := api.count()
	time.Sleep(5 * interval)
	assert.Equal(t, calls, api.count())
}

func TestCanceledContextStopsTasks(t *testing.T) {
	p, api, _, _ := setup(t, fixtures.Deployment("d1", "creating", ""))

	ctx, cancel := context.WithCancel(context.Background())
	p.SetContext(ctx)
	p.StartPolling("d1")
	cancel()

	fixtures.WaitForCondition(t, func() bool { return !p.Active("d1") }, time.Second, "task released")
	assert.Zero(t, p.Len())
	assert.Zero(t, api.count())

	p.SetContext(context.Background())
	assert.True(t, p.StartPolling("d1"), "a released id can be polled again")
	p.StopAll()
}
