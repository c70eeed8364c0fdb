package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

func TestClassifyDeployments(t *testing.T) {
	tests := []struct {
		name     string
		resource models.Resource
		want     lifecycle.State
	}{
		{"error wins over endpoint", models.Resource{Status: "error", EndpointURL: "https://x", ConfigLoaded: true}, lifecycle.Error},
		{"failed is error", models.Resource{Status: "Failed"}, lifecycle.Error},
		{"creating wins over endpoint", models.Resource{Status: "creating", EndpointURL: "https://x", ConfigLoaded: true}, lifecycle.Deploying},
		{"deploying", models.Resource{Status: "deploying"}, lifecycle.Deploying},
		{"stale active without endpoint", models.Resource{Status: "active", ConfigLoaded: true}, lifecycle.Deploying},
		{"empty resource", models.Resource{}, lifecycle.Deploying},
		{"explicit idle with config", models.Resource{Status: "idle", EndpointURL: "https://x", ConfigLoaded: true}, lifecycle.Idle},
		{"endpoint and config", models.Resource{Status: "active", EndpointURL: "https://x", ConfigLoaded: true}, lifecycle.Active},
		{"endpoint, config, unknown status", models.Resource{Status: "running", EndpointURL: "https://x", ConfigLoaded: true}, lifecycle.Active},
		{"endpoint without config", models.Resource{Status: "active", EndpointURL: "https://x"}, lifecycle.Idle},
		{"whitespace endpoint is absent", models.Resource{Status: "active", EndpointURL: "  ", ConfigLoaded: true}, lifecycle.Deploying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lifecycle.Classify(models.Deployments, tt.resource)
			assert.Equal(t, tt.want, got.State)
		})
	}
}

func TestClassifyServers(t *testing.T) {
	tests := []struct {
		name     string
		resource models.Resource
		want     lifecycle.State
		class    lifecycle.Class
	}{
		{"config loaded", models.Resource{Status: "stopped", ConfigLoaded: true}, lifecycle.Active, lifecycle.ClassSuccess},
		{"verbatim status", models.Resource{Status: "Stopped"}, lifecycle.State("stopped"), lifecycle.ClassMuted},
		{"verbatim error", models.Resource{Status: "error"}, lifecycle.Error, lifecycle.ClassDanger},
		{"nothing known", models.Resource{}, lifecycle.Idle, lifecycle.ClassMuted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lifecycle.Classify(models.LocalServers, tt.resource)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.class, got.Class)
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, lifecycle.ClassPending, lifecycle.ClassOf(lifecycle.Deploying))
	assert.Equal(t, lifecycle.ClassSuccess, lifecycle.ClassOf(lifecycle.Active))
	assert.Equal(t, lifecycle.ClassMuted, lifecycle.ClassOf(lifecycle.Idle))
	assert.Equal(t, lifecycle.ClassDanger, lifecycle.ClassOf(lifecycle.Error))
}

func TestPollResolvesProvisioningDeployment(t *testing.T) {
	d1 := models.Resource{ID: "d1", Status: "creating"}
	assert.Equal(t, lifecycle.Deploying, lifecycle.Classify(models.Deployments, d1).State)

	// The platform moves the status on once the endpoint is allocated.
	d1.Status = "active"
	withConfig := d1
	withConfig.ConfigLoaded = true

	poll := models.Patch{EndpointURL: models.Ptr("https://x")}
	poll.Apply(&d1)
	poll.Apply(&withConfig)

	assert.Equal(t, lifecycle.Idle, lifecycle.Classify(models.Deployments, d1).State)
	assert.Equal(t, lifecycle.Active, lifecycle.Classify(models.Deployments, withConfig).State)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, lifecycle.IsTransient(models.Deployments, models.Resource{Status: "creating"}))
	assert.True(t, lifecycle.IsTransient(models.Deployments, models.Resource{Status: "active"}))
	assert.False(t, lifecycle.IsTransient(models.Deployments, models.Resource{Status: "failed"}))
	assert.False(t, lifecycle.IsTransient(models.Deployments, models.Resource{Status: "creating", EndpointURL: "https://x"}))
	assert.False(t, lifecycle.IsTransient(models.LocalServers, models.Resource{Status: "creating"}))
}

var statuses = []string{"", "creating", "deploying", "active", "idle", "error", "failed", "stopped"}

func drawResource(t *rapid.T) models.Resource {
	return models.Resource{
		ID:           "d1",
		Status:       rapid.SampledFrom(statuses).Draw(t, "status"),
		EndpointURL:  rapid.SampledFrom([]string{"", "https://x"}).Draw(t, "endpoint"),
		ConfigLoaded: rapid.Bool().Draw(t, "config"),
	}
}

// drawDisjointPatches returns two patches that never set the same field,
// mirroring the push/poll field split.
func drawDisjointPatches(t *rapid.T) (models.Patch, models.Patch) {
	var a, b models.Patch
	owners := rapid.SliceOfN(rapid.IntRange(0, 2), 4, 4).Draw(t, "owners")

	assign := func(owner int, set func(*models.Patch)) {
		switch owner {
		case 1:
			set(&a)
		case 2:
			set(&b)
		}
	}

	status := rapid.SampledFrom(statuses).Draw(t, "patch_status")
	endpoint := rapid.SampledFrom([]string{"", "https://y"}).Draw(t, "patch_endpoint")
	config := rapid.Bool().Draw(t, "patch_config")
	message := rapid.SampledFrom([]string{"", "oom"}).Draw(t, "patch_message")

	assign(owners[0], func(p *models.Patch) { p.Status = models.Ptr(status) })
	assign(owners[1], func(p *models.Patch) { p.EndpointURL = models.Ptr(endpoint) })
	assign(owners[2], func(p *models.Patch) { p.ConfigLoaded = models.Ptr(config) })
	assign(owners[3], func(p *models.Patch) { p.StatusMessage = models.Ptr(message) })
	return a, b
}

func TestClassificationIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := drawResource(t)
		a, b := drawDisjointPatches(t)
		collection := rapid.SampledFrom(models.AllCollections).Draw(t, "collection")

		ab, ba := base, base
		a.Apply(&ab)
		b.Apply(&ab)
		b.Apply(&ba)
		a.Apply(&ba)

		if got, want := lifecycle.Classify(collection, ab), lifecycle.Classify(collection, ba); got != want {
			t.Fatalf("A then B = %v, B then A = %v", got, want)
		}
	})
}

func TestClassifyIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := drawResource(t)
		r.Status = rapid.String().Draw(t, "any_status")
		collection := rapid.SampledFrom(models.AllCollections).Draw(t, "collection")

		got := lifecycle.Classify(collection, r)
		if got.Class == "" {
			t.Fatalf("empty class for %+v", r)
		}
	})
}
