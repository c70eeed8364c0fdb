package push

import (
	"context"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
)

// dispatch applies one message. The switch covers every variant
// ParseMessage can produce.
func (m *Manager) dispatch(ctx context.Context, msg models.Message) {
	switch msg := msg.(type) {
	case models.DeploymentCreated:
		m.deploymentCreated(ctx, msg)
	case models.DeploymentStatusChanged:
		m.deploymentStatusChanged(ctx, msg)
	case models.DeploymentURLRetrieved:
		m.deploymentURLRetrieved(ctx, msg)
	case models.LocalServerStatusChanged:
		m.localServerStatusChanged(ctx, msg)
	case models.LocalServerHealthCheck:
		m.localServerHealthCheck(ctx, msg)
	case models.UnknownMessage:
		events.FromContext(ctx).WithField("type", msg.Kind).Debug("Ignoring unknown push message")
	default:
		events.FromContext(ctx).WithField("type", msg.Type()).Warn("Unhandled push message variant")
	}
}

func (m *Manager) deploymentCreated(ctx context.Context, msg models.DeploymentCreated) {
	r := msg.Deployment
	r.ID = msg.DeploymentID

	if !m.store.Add(models.Deployments, r) {
		m.store.UpsertByID(models.Deployments, r.ID, models.PatchFrom(r))
	}

	if current, ok := m.store.Find(models.Deployments, r.ID); ok &&
		!current.HasEndpoint() && !models.IsTerminalError(current.Status) {
		m.tracker.StartPolling(r.ID)
	}

	events.FromContext(ctx).WithField("resource_id", r.ID).Info("Deployment created")
	m.notifier.Notify(notify.Notice{
		Level:      notify.LevelInfo,
		Title:      "Deployment created",
		Message:    r.Name,
		ResourceID: r.ID,
	})
}

func (m *Manager) deploymentStatusChanged(ctx context.Context, msg models.DeploymentStatusChanged) {
	logger := events.FromContext(ctx).WithFields(map[string]interface{}{
		"resource_id": msg.DeploymentID,
		"status":      msg.Status,
	})

	patch := models.Patch{
		Status:        models.Ptr(msg.Status),
		StatusMessage: models.Ptr(msg.Message),
	}
	if !m.store.UpsertByID(models.Deployments, msg.DeploymentID, patch) {
		logger.Debug("Status change for unknown deployment")
		return
	}
	logger.Info("Deployment status changed")

	switch {
	case models.IsTerminalError(msg.Status):
		m.tracker.StopPolling(msg.DeploymentID)
		m.notifier.Notify(notify.Notice{
			Level:      notify.LevelError,
			Title:      "Deployment failed",
			Message:    msg.Message,
			ResourceID: msg.DeploymentID,
		})
	case models.NormalizeStatus(msg.Status) == models.StatusActive:
		r, ok := m.store.Find(models.Deployments, msg.DeploymentID)
		if !ok {
			return
		}
		// Without an endpoint the deployment still classifies as deploying.
		if lifecycle.Classify(models.Deployments, r).State == lifecycle.Active {
			m.notifier.Notify(notify.Notice{
				Level:      notify.LevelSuccess,
				Title:      "Deployment active",
				ResourceID: msg.DeploymentID,
			})
		} else if lifecycle.IsTransient(models.Deployments, r) {
			m.tracker.StartPolling(msg.DeploymentID)
		}
	case models.IsProvisioning(msg.Status):
		if r, ok := m.store.Find(models.Deployments, msg.DeploymentID); ok && !r.HasEndpoint() {
			m.tracker.StartPolling(msg.DeploymentID)
		}
	}
}

func (m *Manager) deploymentURLRetrieved(ctx context.Context, msg models.DeploymentURLRetrieved) {
	m.tracker.StopPolling(msg.DeploymentID)

	if !m.store.UpsertByID(models.Deployments, msg.DeploymentID, models.Patch{EndpointURL: models.Ptr(msg.URL)}) {
		events.FromContext(ctx).WithField("resource_id", msg.DeploymentID).Debug("Endpoint for unknown deployment")
		return
	}

	m.notifier.Notify(notify.Notice{
		Level:      notify.LevelSuccess,
		Title:      "Deployment reachable",
		Message:    msg.URL,
		ResourceID: msg.DeploymentID,
	})
}

func (m *Manager) localServerStatusChanged(ctx context.Context, msg models.LocalServerStatusChanged) {
	patch := models.Patch{
		Status:        models.Ptr(msg.Status),
		StatusMessage: models.Ptr(msg.Message),
	}
	if !m.store.UpsertByID(models.LocalServers, msg.ServerID, patch) {
		events.FromContext(ctx).WithField("resource_id", msg.ServerID).Debug("Status change for unknown server")
		return
	}

	switch {
	case models.IsTerminalError(msg.Status):
		m.notifier.Notify(notify.Notice{
			Level:      notify.LevelError,
			Title:      "Server failed",
			Message:    msg.Message,
			ResourceID: msg.ServerID,
		})
	case models.NormalizeStatus(msg.Status) == models.StatusActive:
		m.notifier.Notify(notify.Notice{
			Level:      notify.LevelSuccess,
			Title:      "Server active",
			ResourceID: msg.ServerID,
		})
	}
}

func (m *Manager) localServerHealthCheck(ctx context.Context, msg models.LocalServerHealthCheck) {
	health := models.HealthUnhealthy
	if msg.IsHealthy {
		health = models.HealthHealthy
	}

	patch := models.Patch{
		Health:          models.Ptr(health),
		LastHealthCheck: models.Ptr(m.now()),
		StatusMessage:   models.Ptr(msg.Error),
	}
	if msg.Status != "" {
		patch.Status = models.Ptr(msg.Status)
	}

	if !m.store.UpsertByID(models.LocalServers, msg.ServerID, patch) {
		events.FromContext(ctx).WithField("resource_id", msg.ServerID).Debug("Health check for unknown server")
	}
}
