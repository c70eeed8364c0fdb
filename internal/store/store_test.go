package store_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(events.NewNopLogger())
}

func seed(s *store.Store) {
	s.SetCollection(models.Deployments, []models.Resource{
		{ID: "d1", Name: "alpha", Status: "creating"},
		{ID: "d2", Name: "beta", Status: "active", EndpointURL: "https://b.example.com", ConfigLoaded: true},
		{ID: "d3", Name: "gamma", Status: "idle"},
	})
}

func ids(items []models.Resource) []string {
	out := make([]string, len(items))
	for i, r := range items {
		out[i] = r.ID
	}
	return out
}

func TestSetCollectionAndGet(t *testing.T) {
	s := newStore(t)
	var got []store.Event
	s.AddListener(func(ev store.Event) { got = append(got, ev) })

	seed(s)

	assert.Equal(t, []string{"d1", "d2", "d3"}, ids(s.Get(models.Deployments)))
	assert.Empty(t, s.Get(models.LocalServers))

	require.Len(t, got, 1)
	assert.Equal(t, store.EventType("deployments_updated"), got[0].Type)
	assert.Equal(t, store.KindUpdated, got[0].Kind)
	assert.Len(t, got[0].Items, 3)
}

func TestGetReturnsCopy(t *testing.T) {
	s := newStore(t)
	seed(s)

	items := s.Get(models.Deployments)
	items[0].Status = "mutated"

	r, ok := s.Find(models.Deployments, "d1")
	require.True(t, ok)
	assert.Equal(t, "creating", r.Status)
}

func TestUpsertByIDMergesInPlace(t *testing.T) {
	s := newStore(t)
	seed(s)

	var got []store.Event
	s.AddListener(func(ev store.Event) { got = append(got, ev) })

	ok := s.UpsertByID(models.Deployments, "d1", models.Patch{
		EndpointURL: models.Ptr("https://a.example.com"),
	})
	require.True(t, ok)

	r, _ := s.Find(models.Deployments, "d1")
	assert.Equal(t, "https://a.example.com", r.EndpointURL)
	assert.Equal(t, "creating", r.Status, "unpatched fields survive")
	assert.Equal(t, "alpha", r.Name)
	assert.False(t, r.UpdatedAt.IsZero())

	assert.Equal(t, []string{"d1", "d2", "d3"}, ids(s.Get(models.Deployments)), "position preserved")

	require.Len(t, got, 1)
	assert.Equal(t, store.EventType("deployments_item_updated"), got[0].Type)
	assert.Equal(t, "d1", got[0].ID)
	assert.Equal(t, []string{"endpoint_url"}, got[0].Updates)
	assert.Equal(t, "https://a.example.com", got[0].Resource.EndpointURL)
}

func TestUpsertByIDUnknownIsNoop(t *testing.T) {
	s := newStore(t)
	seed(s)

	calls := 0
	s.AddListener(func(store.Event) { calls++ })

	ok := s.UpsertByID(models.Deployments, "missing", models.Patch{Status: models.Ptr("active")})
	assert.False(t, ok)
	assert.Zero(t, calls)
	assert.Len(t, s.Get(models.Deployments), 3)
}

func TestAddAndRemove(t *testing.T) {
	s := newStore(t)
	seed(s)

	var got []store.Event
	s.AddListener(func(ev store.Event) { got = append(got, ev) })

	assert.True(t, s.Add(models.Deployments, models.Resource{ID: "d4", Status: "creating"}))
	assert.False(t, s.Add(models.Deployments, models.Resource{ID: "d4", Status: "active"}), "duplicate ID")
	assert.Equal(t, []string{"d1", "d2", "d3", "d4"}, ids(s.Get(models.Deployments)))

	r, _ := s.Find(models.Deployments, "d4")
	assert.Equal(t, "creating", r.Status)

	assert.True(t, s.Remove(models.Deployments, "d2"))
	assert.False(t, s.Remove(models.Deployments, "d2"))
	assert.Equal(t, []string{"d1", "d3", "d4"}, ids(s.Get(models.Deployments)))

	require.Len(t, got, 2)
	assert.Equal(t, store.EventType("deployments_added"), got[0].Type)
	assert.Equal(t, store.EventType("deployments_removed"), got[1].Type)
	assert.Equal(t, "beta", got[1].Resource.Name)
}

func TestListenersNotifiedInRegistrationOrder(t *testing.T) {
	s := newStore(t)

	var order []int
	s.AddListener(func(store.Event) { order = append(order, 1) })
	s.AddListener(func(store.Event) { order = append(order, 2) })
	s.AddListener(func(store.Event) { order = append(order, 3) })

	seed(s)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRemoveListener(t *testing.T) {
	s := newStore(t)

	calls := 0
	id := s.AddListener(func(store.Event) { calls++ })
	seed(s)
	s.RemoveListener(id)
	seed(s)

	assert.Equal(t, 1, calls)
}

func TestListenerMaySubscribeAndUnsubscribeDuringNotify(t *testing.T) {
	s := newStore(t)

	var late, second int
	var selfID, secondID store.ListenerID
	selfID = s.AddListener(func(store.Event) {
		s.RemoveListener(selfID)
		s.RemoveListener(secondID)
		s.AddListener(func(store.Event) { late++ })
	})
	secondID = s.AddListener(func(store.Event) { second++ })

	// The snapshot taken before delivery still includes the second listener,
	// and the one added mid-delivery only sees later events.
	seed(s)
	assert.Equal(t, 1, second)
	assert.Equal(t, 0, late)

	seed(s)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, late)
}

func TestListenerMayReadAndMutateStore(t *testing.T) {
	s := newStore(t)
	seed(s)

	var seen []string
	s.AddListener(func(ev store.Event) {
		if ev.Kind != store.KindItemUpdated {
			return
		}
		r, _ := s.Find(ev.Collection, ev.ID)
		seen = append(seen, r.Status)
		if r.Status == "error" && r.StatusMessage == "" {
			s.UpsertByID(ev.Collection, ev.ID, models.Patch{StatusMessage: models.Ptr("acknowledged")})
		}
	})

	s.UpsertByID(models.Deployments, "d3", models.Patch{Status: models.Ptr("error")})

	r, _ := s.Find(models.Deployments, "d3")
	assert.Equal(t, []string{"error", "error"}, seen)
	assert.Equal(t, "error", r.Status)
	assert.Equal(t, "acknowledged", r.StatusMessage)
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	var buf bytes.Buffer
	s := store.New(events.NewTestLogger(events.ErrorLevel, "text", &buf))

	calls := 0
	s.AddListener(func(store.Event) { panic("boom") })
	s.AddListener(func(store.Event) { calls++ })

	assert.NotPanics(t, func() { seed(s) })
	assert.Equal(t, 1, calls)
	assert.Contains(t, buf.String(), "Store listener panicked")
}

func TestConcurrentUpserts(t *testing.T) {
	s := newStore(t)
	seed(s)

	var mu sync.Mutex
	count := 0
	s.AddListener(func(store.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"d1", "d2", "d3"}[i%3]
			s.UpsertByID(models.Deployments, id, models.Patch{StatusMessage: models.Ptr("tick")})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, count)
	for _, r := range s.Get(models.Deployments) {
		assert.Equal(t, "tick", r.StatusMessage)
	}
}

func TestSeqFollowsMutationOrder(t *testing.T) {
	s := newStore(t)
	var seqs []uint64
	s.AddListener(func(ev store.Event) { seqs = append(seqs, ev.Seq) })

	seed(s)
	s.UpsertByID(models.Deployments, "d1", models.Patch{Status: models.Ptr("deploying")})
	s.Add(models.Deployments, models.Resource{ID: "d4"})
	s.Remove(models.Deployments, "d4")
	s.UpsertByID(models.Deployments, "missing", models.Patch{Status: models.Ptr("idle")})

	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestLatestDropsEventsOvertakenByNewerMutation(t *testing.T) {
	s := newStore(t)
	seed(s)

	held := make(chan struct{})
	release := make(chan struct{})
	s.AddListener(func(ev store.Event) {
		if ev.Kind == store.KindItemUpdated && ev.Resource.EndpointURL == "" {
			close(held)
			<-release
		}
	})

	latest := store.NewLatest()
	var mu sync.Mutex
	var last models.Resource
	s.AddListener(func(ev store.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == store.KindItemUpdated && latest.Accept(ev) {
			last = ev.Resource
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.UpsertByID(models.Deployments, "d1", models.Patch{Status: models.Ptr("active")})
	}()
	<-held

	s.UpsertByID(models.Deployments, "d1", models.Patch{EndpointURL: models.Ptr("https://x")})
	close(release)
	<-done

	want, ok := s.Find(models.Deployments, "d1")
	require.True(t, ok)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, last)
	assert.Equal(t, "https://x", last.EndpointURL)
}

func TestLatestCollectionEventSupersedesOlderItems(t *testing.T) {
	latest := store.NewLatest()

	assert.True(t, latest.Accept(store.Event{Collection: models.Deployments, Kind: store.KindItemUpdated, ID: "d1", Seq: 3}))
	assert.False(t, latest.Accept(store.Event{Collection: models.Deployments, Kind: store.KindItemUpdated, ID: "d1", Seq: 2}))
	assert.True(t, latest.Accept(store.Event{Collection: models.Deployments, Kind: store.KindUpdated, Seq: 5}))
	assert.False(t, latest.Accept(store.Event{Collection: models.Deployments, Kind: store.KindItemUpdated, ID: "d2", Seq: 4}))
	assert.False(t, latest.Accept(store.Event{Collection: models.Deployments, Kind: store.KindUpdated, Seq: 4}))
	assert.True(t, latest.Accept(store.Event{Collection: models.LocalServers, Kind: store.KindItemUpdated, ID: "d2", Seq: 4}))
}
