//go:build integration
// +build integration

package integration_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/fleetwatch/internal/client"
	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
	"github.com/TheMichaelB/fleetwatch/internal/services/push"
	"github.com/TheMichaelB/fleetwatch/test/testutil"
)

func newClient(t *testing.T, cfg *config.Config) (*client.Client, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	c, err := client.New(cfg, testutil.NewTestLogger(), rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func hasNotice(rec *notify.Recorder, title string) bool {
	for _, n := range rec.Notices() {
		if n.Title == title {
			return true
		}
	}
	return false
}

func TestProvisioningLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	platform := testutil.NewPlatform()
	defer platform.Close()
	platform.SetCollection(models.Deployments, []models.Resource{})

	c, rec := newClient(t, testutil.TestConfigWithDir(platform.URL, t.TempDir()))
	require.NoError(t, c.Auth.SaveSession(models.TokenInfo{Token: testutil.ValidToken(t)}))

	ctx, cancel := testutil.TestContext()
	defer cancel()
	require.NoError(t, c.Start(ctx))
	testutil.WaitForCondition(t, func() bool { return platform.OpenStreams() == 1 }, 5*time.Second, "push open")

	// A new deployment is announced over the push channel.
	fresh := testutil.Deployment("d1", "creating", "")
	fresh.ConfigLoaded = true
	platform.SetCollection(models.Deployments, []models.Resource{fresh})
	platform.Publish(map[string]interface{}{
		"type":         "deployment_created",
		"deploymentId": "d1",
		"deployment":   fresh,
	})

	testutil.WaitForCondition(t, func() bool { return c.Poller.Active("d1") }, 5*time.Second, "poll started")
	d1, _ := c.Store.Find(models.Deployments, "d1")
	assert.Equal(t, lifecycle.Deploying, lifecycle.Classify(models.Deployments, d1).State)

	platform.Publish(map[string]string{"type": "deployment_status_changed", "deploymentId": "d1", "status": "deploying"})
	testutil.WaitForCondition(t, func() bool {
		d, _ := c.Store.Find(models.Deployments, "d1")
		return d.Status == "deploying"
	}, 5*time.Second, "status applied")

	// The provider allocates the endpoint but the push event never arrives;
	// the targeted poll picks it up.
	platform.Update(models.Deployments, "d1", func(r *models.Resource) {
		r.Status = "active"
		r.EndpointURL = "https://d1.example"
	})

	testutil.WaitForCondition(t, func() bool { return !c.Poller.Active("d1") }, 5*time.Second, "poll stopped")
	d1, _ = c.Store.Find(models.Deployments, "d1")
	assert.Equal(t, "https://d1.example", d1.EndpointURL)
	assert.Equal(t, "deploying", d1.Status, "poll only merges the endpoint")
	assert.Equal(t, lifecycle.Deploying, lifecycle.Classify(models.Deployments, d1).State)

	platform.Publish(map[string]string{"type": "deployment_status_changed", "deploymentId": "d1", "status": "active"})
	testutil.WaitForCondition(t, func() bool {
		d, _ := c.Store.Find(models.Deployments, "d1")
		return lifecycle.Classify(models.Deployments, d).State == lifecycle.Active
	}, 5*time.Second, "deployment active")

	assert.True(t, hasNotice(rec, "Deployment created"))
	assert.True(t, hasNotice(rec, "Deployment reachable"))
}

func TestTokenRotationDuringSession(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	platform := testutil.NewPlatform()
	defer platform.Close()

	first := testutil.MintToken(t, time.Now().Add(time.Hour))
	second := testutil.MintToken(t, time.Now().Add(2*time.Hour))
	platform.SetRefresh("refresh-1", second)

	c, rec := newClient(t, testutil.TestConfigWithDir(platform.URL, t.TempDir()))
	require.NoError(t, c.Auth.SaveSession(models.TokenInfo{Token: first, RefreshToken: "refresh-1"}))

	ctx, cancel := testutil.TestContext()
	defer cancel()
	require.NoError(t, c.Start(ctx))
	testutil.WaitForCondition(t, func() bool { return platform.OpenStreams() == 1 }, 5*time.Second, "push open")

	// The server revokes the session and drops the stream.
	platform.RejectToken(first)
	platform.DropStreams()

	testutil.WaitForCondition(t, func() bool {
		return platform.OpenStreams() == 1 && c.Push.State() == push.StateOpen
	}, 5*time.Second, "reconnected with rotated token")

	token, err := c.Auth.Token()
	require.NoError(t, err)
	assert.Equal(t, second, token)
	assert.Equal(t, 0, c.Push.Attempts())
	assert.Equal(t, 2, platform.Dials(), "refreshed before redialing")
	assert.True(t, hasNotice(rec, "Live updates restored"))
}

func TestExhaustedPushFallsBackToSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	platform := testutil.NewPlatform()
	defer platform.Close()
	platform.SetCollection(models.Deployments, testutil.SampleDeployments())
	platform.FailSync(http.StatusBadGateway)

	token := testutil.ValidToken(t)
	platform.RejectToken(token)

	cfg := testutil.TestConfigWithDir(platform.URL, t.TempDir())
	cfg.Push.MaxAttempts = 2
	c, rec := newClient(t, cfg)
	require.NoError(t, c.Auth.SaveSession(models.TokenInfo{Token: token}))

	ctx, cancel := testutil.TestContext()
	defer cancel()
	require.NoError(t, c.Start(ctx))

	select {
	case <-c.Push.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("push channel never gave up")
	}
	assert.Equal(t, push.StateClosed, c.Push.State())
	assert.True(t, hasNotice(rec, "Reconnect failed"))
	// One refresh attempt, then two counted retries, then the final failure.
	assert.Equal(t, 4, platform.Dials())

	// The sweep keeps the view current even though resync is failing.
	testutil.WaitForCondition(t, func() bool {
		return len(c.Store.Get(models.Deployments)) == 4
	}, 5*time.Second, "sweep loaded deployments")
	assert.GreaterOrEqual(t, platform.SyncCalls(), 1)

	platform.Update(models.Deployments, "d1", func(r *models.Resource) { r.Status = "failed" })
	require.NoError(t, c.Refresh(ctx))
	d1, _ := c.Store.Find(models.Deployments, "d1")
	assert.Equal(t, lifecycle.Error, lifecycle.Classify(models.Deployments, d1).State)
}
